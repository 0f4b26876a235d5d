package domain

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MaxPromptLength caps the generation prompt size.
	MaxPromptLength = 2000

	minDimension = 64
	maxDimension = 2048
	minSteps     = 1
	maxSteps     = 150
	minGuidance  = 0.0
	maxGuidance  = 20.0
)

// ValidateGenerationRequest validates a generation request and returns the
// trimmed prompt and normalized parameter map. All failures are
// ValidationErrors scoped to the offending field.
func ValidateGenerationRequest(prompt string, parameters map[string]interface{}, model string) (string, JSONMap, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", nil, &ValidationError{Field: "prompt", Message: "prompt cannot be empty"}
	}
	if len(prompt) > MaxPromptLength {
		return "", nil, &ValidationError{
			Field:   "prompt",
			Message: fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength),
		}
	}

	if model != "" && !strings.Contains(model, "/") {
		return "", nil, &ValidationError{
			Field:   "model",
			Message: "model must be in format 'owner/model:version'",
		}
	}

	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	if err := validateParameters(parameters); err != nil {
		return "", nil, err
	}

	return prompt, JSONMap(parameters), nil
}

func validateParameters(params map[string]interface{}) error {
	if err := checkIntParam(params, "width", minDimension, maxDimension); err != nil {
		return err
	}
	if err := checkIntParam(params, "height", minDimension, maxDimension); err != nil {
		return err
	}
	if err := checkIntParam(params, "num_inference_steps", minSteps, maxSteps); err != nil {
		return err
	}

	if raw, ok := params["guidance_scale"]; ok {
		scale, ok := asFloat(raw)
		if !ok || scale < minGuidance || scale > maxGuidance {
			return &ValidationError{
				Field:   "parameters.guidance_scale",
				Message: fmt.Sprintf("guidance_scale must be a number between %g and %g", minGuidance, maxGuidance),
			}
		}
	}

	return nil
}

// checkIntParam range-checks an optional integral parameter. JSON decoding
// yields float64, so integral floats are accepted.
func checkIntParam(params map[string]interface{}, name string, min, max int) error {
	raw, ok := params[name]
	if !ok {
		return nil
	}

	value, isNumber := asFloat(raw)
	if !isNumber || value != math.Trunc(value) || value < float64(min) || value > float64(max) {
		return &ValidationError{
			Field:   "parameters." + name,
			Message: fmt.Sprintf("%s must be an integer between %d and %d", name, min, max),
		}
	}
	return nil
}

func asFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}
