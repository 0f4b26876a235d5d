// Package provider wraps the Replicate prediction API behind retrying
// gateway operations, keeping transient-failure policy out of the worker's
// business logic.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hqbui/mediagen-be/internal/domain"
	"github.com/hqbui/mediagen-be/internal/retry"
)

// Prediction statuses reported by the provider.
const (
	PredictionSucceeded = "succeeded"
	PredictionFailed    = "failed"
	PredictionCanceled  = "canceled"
)

// Prediction is one inference run on the provider.
type Prediction struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Output OutputURLs `json:"output"`
	Error  string     `json:"error"`
}

// Terminal reports whether the prediction has finished, one way or another.
func (p *Prediction) Terminal() bool {
	switch p.Status {
	case PredictionSucceeded, PredictionFailed, PredictionCanceled:
		return true
	}
	return false
}

// OutputURLs absorbs the provider's output field, which is either a single
// URL string or a list of URLs depending on the model.
type OutputURLs []string

func (o *OutputURLs) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*o = OutputURLs{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("unexpected output format: %w", err)
	}
	*o = OutputURLs(list)
	return nil
}

// Config holds provider gateway configuration.
type Config struct {
	BaseURL        string
	APIToken       string
	RequestTimeout time.Duration
	CreateRetry    retry.Policy
	PollRetry      retry.Policy
}

// Client is the HTTP gateway to the prediction API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	createRetry retry.Policy
	pollRetry   retry.Policy
	logger      *slog.Logger
}

// NewClient creates a provider client. The API token is required.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("provider API token is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	createRetry := cfg.CreateRetry
	if createRetry.MaxAttempts <= 0 {
		createRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 4 * time.Second, MaxDelay: 10 * time.Second}
	}
	pollRetry := cfg.PollRetry
	if pollRetry.MaxAttempts <= 0 {
		pollRetry = retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 8 * time.Second}
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.APIToken,
		createRetry: createRetry,
		pollRetry:   pollRetry,
		logger:      logger,
	}, nil
}

// CreatePrediction starts one inference run. Transient network/5xx failures
// are retried with exponential backoff; 4xx responses surface immediately as
// a terminal ProviderError.
func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]interface{}) (*Prediction, error) {
	payload := map[string]interface{}{
		"version": model,
		"input":   input,
	}

	var prediction *Prediction
	err := retry.Do(ctx, c.createRetry, c.logger, "create_prediction", func() error {
		var err error
		prediction, err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/predictions", payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Prediction created",
		slog.String("prediction_id", prediction.ID),
		slog.String("status", prediction.Status),
	)

	return prediction, nil
}

// GetPrediction polls the status of a run, with a shorter retry budget than
// creation since the caller's polling loop already repeats it.
func (c *Client) GetPrediction(ctx context.Context, predictionID string) (*Prediction, error) {
	url := c.baseURL + "/predictions/" + predictionID

	var prediction *Prediction
	err := retry.Do(ctx, c.pollRetry, c.logger, "get_prediction", func() error {
		var err error
		prediction, err = c.doJSON(ctx, http.MethodGet, url, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return prediction, nil
}

// CancelPrediction asks the provider to stop a run. Best-effort: failures
// are logged, not escalated.
func (c *Client) CancelPrediction(ctx context.Context, predictionID string) {
	url := c.baseURL + "/predictions/" + predictionID + "/cancel"

	if _, err := c.doJSON(ctx, http.MethodPost, url, nil); err != nil {
		c.logger.Warn("Failed to cancel prediction",
			slog.String("prediction_id", predictionID),
			slog.Any("error", err),
		)
		return
	}

	c.logger.Info("Prediction cancelled",
		slog.String("prediction_id", predictionID),
	)
}

// DownloadOutput fetches the produced artifact. HTTP errors are not retried
// here; a failed download fails the whole attempt, which retries at the job
// level instead.
func (c *Client) DownloadOutput(ctx context.Context, outputURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientProviderError(fmt.Errorf("download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to download output from %s", outputURL),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientProviderError(fmt.Errorf("failed to read output body: %w", err))
	}

	return data, nil
}

// doJSON performs one authenticated API request and classifies the outcome:
// network failure or 5xx becomes a transient error, 4xx becomes a terminal
// ProviderError carrying the remote detail.
func (c *Client) doJSON(ctx context.Context, method, url string, payload interface{}) (*Prediction, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientProviderError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientProviderError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, domain.NewTransientProviderError(
			fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &domain.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    remoteDetail(respBody),
		}
	}

	var prediction Prediction
	if err := json.Unmarshal(respBody, &prediction); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}

	return &prediction, nil
}

func remoteDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Title != "" {
			return parsed.Title
		}
	}
	return truncate(body, 200)
}

func truncate(body []byte, max int) string {
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}
