package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqbui/mediagen-be/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubStore is an in-memory JobStore for handler tests.
type stubStore struct {
	jobs map[string]*domain.Job

	createErr error
	updateErr error
	listErr   error
	counts    map[domain.Status]int64
}

func newStubStore(jobs ...*domain.Job) *stubStore {
	s := &stubStore{jobs: map[string]*domain.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *stubStore) Create(ctx context.Context, job *domain.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *stubStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *stubStore) Update(ctx context.Context, job *domain.Job) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Cancel mirrors the store's conditional update: the transition only happens
// when the stored row is still non-terminal at write time.
func (s *stubStore) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if err := j.MarkCancelled(); err != nil {
		return nil, err
	}
	clone := *j
	return &clone, nil
}

func (s *stubStore) List(ctx context.Context, status domain.Status, limit, offset int) ([]domain.Job, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Job
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	if s.counts != nil {
		return s.counts[status], nil
	}
	var n int64
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

type stubQueue struct {
	published  []string
	publishErr error
}

func (q *stubQueue) PublishJob(ctx context.Context, jobID string) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, jobID)
	return nil
}

type stubCanceller struct {
	cancelled []string
}

func (c *stubCanceller) CancelPrediction(ctx context.Context, predictionID string) {
	c.cancelled = append(c.cancelled, predictionID)
}

func newTestHandler(store *stubStore, queue *stubQueue, canceller *stubCanceller) *JobHandler {
	return NewJobHandler(&Dependencies{
		Logger:       slog.New(slog.DiscardHandler),
		Store:        store,
		Queue:        queue,
		Provider:     canceller,
		MaxRetries:   3,
		DefaultModel: "stability-ai/sdxl",
	})
}

func testJob(t *testing.T, status domain.Status) *domain.Job {
	t.Helper()
	job, err := domain.NewJob("a cat in space", nil, "stability-ai/sdxl", 3)
	require.NoError(t, err)
	job.Status = status
	return job
}

func performRequest(h *JobHandler, method, path string, body interface{}) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/api/v1/generate", h.CreateJob)
	r.GET("/api/v1/status/:job_id", h.GetJobStatus)
	r.GET("/api/v1/stats", h.GetStats)
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/:job_id", h.GetJobDetails)
	r.POST("/api/v1/jobs/:job_id/cancel", h.CancelJob)
	r.POST("/api/v1/jobs/:job_id/retry", h.RetryJob)

	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateJob(t *testing.T) {
	t.Run("creates and enqueues a pending job", func(t *testing.T) {
		store := newStubStore()
		queue := &stubQueue{}
		h := newTestHandler(store, queue, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/generate", map[string]interface{}{
			"prompt":     "a cat in space",
			"parameters": map[string]interface{}{"width": 512},
		})

		require.Equal(t, http.StatusCreated, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "pending", body["status"])
		assert.NotEmpty(t, body["job_id"])

		jobID := body["job_id"].(string)
		assert.Equal(t, []string{jobID}, queue.published)

		stored, ok := store.jobs[jobID]
		require.True(t, ok)
		assert.Equal(t, domain.StatusPending, stored.Status)
		assert.Equal(t, "stability-ai/sdxl", stored.Model())
		require.NotNil(t, stored.TaskID)
	})

	t.Run("empty prompt is rejected without persisting", func(t *testing.T) {
		store := newStubStore()
		queue := &stubQueue{}
		h := newTestHandler(store, queue, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/generate", map[string]interface{}{
			"prompt": "   ",
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "VALIDATION_ERROR", body["error"])
		assert.Equal(t, "prompt", body["field"])
		assert.Empty(t, store.jobs)
		assert.Empty(t, queue.published)
	})

	t.Run("missing prompt is rejected by binding", func(t *testing.T) {
		h := newTestHandler(newStubStore(), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/generate", map[string]interface{}{})

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "VALIDATION_ERROR", body["error"])
	})

	t.Run("invalid parameters are rejected", func(t *testing.T) {
		h := newTestHandler(newStubStore(), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/generate", map[string]interface{}{
			"prompt":     "a cat",
			"parameters": map[string]interface{}{"width": 32},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "parameters.width", body["field"])
	})

	t.Run("enqueue failure fails the job", func(t *testing.T) {
		store := newStubStore()
		queue := &stubQueue{publishErr: fmt.Errorf("broker unavailable")}
		h := newTestHandler(store, queue, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/generate", map[string]interface{}{
			"prompt": "a cat in space",
		})

		require.Equal(t, http.StatusInternalServerError, w.Code)
		require.Len(t, store.jobs, 1)
		for _, stored := range store.jobs {
			assert.Equal(t, domain.StatusFailed, stored.Status)
			require.NotNil(t, stored.ErrorMessage)
			assert.Contains(t, *stored.ErrorMessage, "failed to enqueue")
		}
	})
}

func TestGetJobStatus(t *testing.T) {
	t.Run("returns the compact status view", func(t *testing.T) {
		job := testJob(t, domain.StatusProcessing)
		job.Progress = 0.4
		h := newTestHandler(newStubStore(job), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodGet, "/api/v1/status/"+job.ID, nil)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, job.ID, body["job_id"])
		assert.Equal(t, "processing", body["status"])
		assert.Equal(t, 0.4, body["progress"])
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		h := newTestHandler(newStubStore(), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodGet, "/api/v1/status/3f7a3a8e-52a7-4b3b-b5c5-3d2e54c3f1aa", nil)

		require.Equal(t, http.StatusNotFound, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "JOB_NOT_FOUND", body["error"])
	})

	t.Run("malformed id is 400", func(t *testing.T) {
		h := newTestHandler(newStubStore(), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodGet, "/api/v1/status/not-a-uuid", nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "job_id", body["field"])
	})
}

func TestGetJobDetails(t *testing.T) {
	job := testJob(t, domain.StatusCompleted)
	url := "http://storage/generated-media/" + job.ID + ".png"
	job.ResultURL = &url
	job.Progress = 1.0
	h := newTestHandler(newStubStore(job), &stubQueue{}, &stubCanceller{})

	w := performRequest(h, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, job.ID, body["job_id"])
	assert.Equal(t, "a cat in space", body["prompt"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, url, body["result_url"])
	assert.Equal(t, float64(3), body["max_retries"])
}

func TestListJobs(t *testing.T) {
	t.Run("filters by status", func(t *testing.T) {
		pending := testJob(t, domain.StatusPending)
		failed := testJob(t, domain.StatusFailed)
		h := newTestHandler(newStubStore(pending, failed), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodGet, "/api/v1/jobs?status=failed", nil)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		jobs := body["jobs"].([]interface{})
		require.Len(t, jobs, 1)
		first := jobs[0].(map[string]interface{})
		assert.Equal(t, failed.ID, first["job_id"])
	})

	t.Run("unknown status filter is rejected", func(t *testing.T) {
		h := newTestHandler(newStubStore(), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodGet, "/api/v1/jobs?status=bogus", nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "status", body["field"])
	})

	t.Run("limit is clamped", func(t *testing.T) {
		store := newStubStore(testJob(t, domain.StatusPending), testJob(t, domain.StatusPending))
		h := newTestHandler(store, &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodGet, "/api/v1/jobs?limit=500", nil)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, float64(100), body["limit"])
	})
}

func TestCancelJob(t *testing.T) {
	t.Run("cancels a processing job and revokes the prediction", func(t *testing.T) {
		job := testJob(t, domain.StatusProcessing)
		predictionID := "pred-1"
		job.PredictionID = &predictionID
		store := newStubStore(job)
		canceller := &stubCanceller{}
		h := newTestHandler(store, &stubQueue{}, canceller)

		w := performRequest(h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "cancelled", body["status"])
		assert.Equal(t, domain.StatusCancelled, store.jobs[job.ID].Status)
		assert.Equal(t, []string{"pred-1"}, canceller.cancelled)
	})

	t.Run("terminal job cannot be cancelled", func(t *testing.T) {
		job := testJob(t, domain.StatusCompleted)
		store := newStubStore(job)
		h := newTestHandler(store, &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "status", body["field"])
		assert.Equal(t, domain.StatusCompleted, store.jobs[job.ID].Status)
	})

	t.Run("completion landing concurrently keeps its result", func(t *testing.T) {
		job := testJob(t, domain.StatusProcessing)
		store := newStubStore(job)
		h := newTestHandler(store, &stubQueue{}, &stubCanceller{})

		// The attempt finishes between the cancel request arriving and the
		// store write, so the stored row is COMPLETED at write time.
		stored := store.jobs[job.ID]
		require.NoError(t, stored.MarkCompleted("http://storage/generated-media/"+job.ID+".png", "/data/"+job.ID+".png", 2048, "image/png"))

		w := performRequest(h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "status", body["field"])

		after := store.jobs[job.ID]
		assert.Equal(t, domain.StatusCompleted, after.Status)
		require.NotNil(t, after.ResultURL)
		assert.Equal(t, "http://storage/generated-media/"+job.ID+".png", *after.ResultURL)
		assert.Equal(t, 1.0, after.Progress)
	})
}

func TestRetryJob(t *testing.T) {
	t.Run("resets a retry-eligible failed job and re-enqueues it", func(t *testing.T) {
		job := testJob(t, domain.StatusFailed)
		job.RetryCount = 1
		errMsg := "prediction failed"
		job.ErrorMessage = &errMsg
		store := newStubStore(job)
		queue := &stubQueue{}
		h := newTestHandler(store, queue, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "pending", body["status"])
		assert.Equal(t, []string{job.ID}, queue.published)

		stored := store.jobs[job.ID]
		assert.Equal(t, domain.StatusPending, stored.Status)
		assert.Equal(t, 1, stored.RetryCount)
		assert.Nil(t, stored.ErrorMessage)
		require.NotNil(t, stored.TaskID)
	})

	t.Run("exhausted job cannot be retried", func(t *testing.T) {
		job := testJob(t, domain.StatusFailed)
		job.RetryCount = 3
		store := newStubStore(job)
		queue := &stubQueue{}
		h := newTestHandler(store, queue, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "retry", body["field"])
		assert.Empty(t, queue.published)
	})

	t.Run("completed job cannot be retried", func(t *testing.T) {
		job := testJob(t, domain.StatusCompleted)
		h := newTestHandler(newStubStore(job), &stubQueue{}, &stubCanceller{})

		w := performRequest(h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetStats(t *testing.T) {
	store := newStubStore()
	store.counts = map[domain.Status]int64{
		domain.StatusPending:    2,
		domain.StatusProcessing: 1,
		domain.StatusCompleted:  10,
		domain.StatusFailed:     3,
		domain.StatusCancelled:  1,
	}
	h := newTestHandler(store, &stubQueue{}, &stubCanceller{})

	w := performRequest(h, http.MethodGet, "/api/v1/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(17), body["total_jobs"])

	counts := body["job_counts"].(map[string]interface{})
	assert.Equal(t, float64(10), counts["completed"])
	assert.Equal(t, float64(2), counts["pending"])
}

func TestRespondError_Unwrapped(t *testing.T) {
	// Wrapped validation errors still map to 400 with the field
	h := newTestHandler(newStubStore(), &stubQueue{}, &stubCanceller{})

	w := performRequest(h, http.MethodPost, "/api/v1/generate", map[string]interface{}{
		"prompt": strings.Repeat("a", 2001),
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])
	assert.Equal(t, "prompt", body["field"])
}
