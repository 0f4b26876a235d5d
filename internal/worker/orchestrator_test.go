package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqbui/mediagen-be/internal/domain"
	"github.com/hqbui/mediagen-be/internal/provider"
	"github.com/hqbui/mediagen-be/internal/retry"
)

// fakeStore is an in-memory JobStore with the same conditional-update
// semantics as the SQL implementation.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	progressCalls []float64
	progressErr   error
	updateErr     error
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{jobs: map[string]*domain.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) get(jobID string) (*domain.Job, bool) {
	j, ok := s.jobs[jobID]
	return j, ok
}

func (s *fakeStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *fakeStore) Claim(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(jobID)
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != domain.StatusPending {
		return nil, domain.ErrJobNotPending
	}
	if err := j.MarkProcessing(); err != nil {
		return nil, err
	}
	clone := *j
	return &clone, nil
}

func (s *fakeStore) Update(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.get(job.ID); !ok {
		return domain.ErrJobNotFound
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *fakeStore) SetPredictionID(ctx context.Context, jobID, predictionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(jobID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusProcessing {
		return domain.ErrJobNotProcessing
	}
	j.PredictionID = &predictionID
	return nil
}

func (s *fakeStore) UpdateProgress(ctx context.Context, jobID string, progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progressErr != nil {
		return s.progressErr
	}
	j, ok := s.get(jobID)
	if !ok || j.Status != domain.StatusProcessing {
		// Mirrors the guarded UPDATE touching zero rows
		return nil
	}
	j.Progress = progress
	s.progressCalls = append(s.progressCalls, progress)
	return nil
}

func (s *fakeStore) FinishAttempt(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.get(job.ID)
	if !ok {
		return domain.ErrJobNotFound
	}
	if current.Status != domain.StatusProcessing {
		return domain.ErrJobNotProcessing
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// cancelJob flips the stored job to CANCELLED, simulating an external cancel
// racing the attempt.
func (s *fakeStore) cancelJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.get(jobID); ok {
		j.Status = domain.StatusCancelled
	}
}

func (s *fakeStore) snapshot(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.get(jobID)
	require.True(t, ok, "job %s not in store", jobID)
	clone := *j
	return &clone
}

// fakeProvider scripts the prediction lifecycle.
type fakeProvider struct {
	mu sync.Mutex

	createErr   error
	prediction  *provider.Prediction
	polls       []*provider.Prediction
	pollErr     error
	pollCount   int
	downloadErr error
	output      []byte

	cancelled []string
	onPoll    func(pollCount int)
}

func (p *fakeProvider) CreatePrediction(ctx context.Context, model string, input map[string]interface{}) (*provider.Prediction, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.prediction != nil {
		return p.prediction, nil
	}
	return &provider.Prediction{ID: "pred-1", Status: "starting"}, nil
}

func (p *fakeProvider) GetPrediction(ctx context.Context, predictionID string) (*provider.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCount++
	if p.onPoll != nil {
		p.onPoll(p.pollCount)
	}
	if p.pollErr != nil {
		return nil, p.pollErr
	}
	if len(p.polls) == 0 {
		return &provider.Prediction{ID: predictionID, Status: "processing"}, nil
	}
	idx := p.pollCount - 1
	if idx >= len(p.polls) {
		idx = len(p.polls) - 1
	}
	return p.polls[idx], nil
}

func (p *fakeProvider) CancelPrediction(ctx context.Context, predictionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, predictionID)
}

func (p *fakeProvider) DownloadOutput(ctx context.Context, outputURL string) ([]byte, error) {
	if p.downloadErr != nil {
		return nil, p.downloadErr
	}
	if p.output != nil {
		return p.output, nil
	}
	return []byte("image-bytes"), nil
}

// fakeObjects records the last Put.
type fakeObjects struct {
	putErr      error
	key         string
	contentType string
	size        int
}

func (o *fakeObjects) Put(ctx context.Context, key string, data []byte, contentType string) (string, string, error) {
	if o.putErr != nil {
		return "", "", o.putErr
	}
	o.key = key
	o.contentType = contentType
	o.size = len(data)
	return key, "http://storage/generated-media/" + key, nil
}

func (o *fakeObjects) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (o *fakeObjects) Delete(ctx context.Context, key string) error { return nil }
func (o *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

// fakePublisher records re-enqueued job ids.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, jobID)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func pendingJob(t *testing.T, maxRetries int) *domain.Job {
	t.Helper()
	job, err := domain.NewJob("a cat in space", map[string]interface{}{"width": 512}, "stability-ai/sdxl", maxRetries)
	require.NoError(t, err)
	return job
}

func newTestWorker(store *fakeStore, prov *fakeProvider, objects *fakeObjects, queue *fakePublisher) *Worker {
	return NewWorker(&Config{
		Logger:       slog.New(slog.DiscardHandler),
		Store:        store,
		Provider:     prov,
		Objects:      objects,
		Queue:        queue,
		WorkerID:     "test-worker",
		Concurrency:  1,
		DefaultModel: "stability-ai/sdxl",
		PollInterval: time.Millisecond,
		MaxWaitTime:  50 * time.Millisecond,
		// Long enough that FAILED is observable before the re-enqueue lands
		RetryBackoff: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
		},
	})
}

func TestRunAttempt_Success(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	prov := &fakeProvider{
		polls: []*provider.Prediction{
			{ID: "pred-1", Status: "processing"},
			{ID: "pred-1", Status: provider.PredictionSucceeded, Output: provider.OutputURLs{"https://cdn.example.com/out.png"}},
		},
	}
	objects := &fakeObjects{}
	queue := &fakePublisher{}
	w := newTestWorker(store, prov, objects, queue)

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err)

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	require.NotNil(t, final.ResultURL)
	assert.Equal(t, "http://storage/generated-media/"+job.ID+".png", *final.ResultURL)
	require.NotNil(t, final.FileSize)
	assert.Equal(t, int64(len("image-bytes")), *final.FileSize)
	require.NotNil(t, final.FileType)
	assert.Equal(t, "image/png", *final.FileType)
	require.NotNil(t, final.PredictionID)
	assert.Equal(t, "pred-1", *final.PredictionID)
	require.NotNil(t, final.CompletedAt)

	assert.Equal(t, job.ID+".png", objects.key)
	assert.Equal(t, "image/png", objects.contentType)
	assert.Zero(t, queue.count())
}

func TestRunAttempt_ProviderFailure(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	prov := &fakeProvider{
		polls: []*provider.Prediction{
			{ID: "pred-1", Status: provider.PredictionFailed, Error: "NSFW content detected"},
		},
	}
	queue := &fakePublisher{}
	w := newTestWorker(store, prov, &fakeObjects{}, queue)

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err, "persisted failure means the message is acked")

	failed := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "NSFW content detected")

	// Still under the ceiling, so a delayed re-enqueue returns it to pending
	require.Eventually(t, func() bool {
		return queue.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	requeued := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Nil(t, requeued.ErrorMessage)
}

func TestRunAttempt_RetriesExhausted(t *testing.T) {
	job := pendingJob(t, 3)
	job.RetryCount = 2
	store := newFakeStore(job)
	prov := &fakeProvider{
		polls: []*provider.Prediction{
			{ID: "pred-1", Status: provider.PredictionFailed, Error: "model crashed"},
		},
	}
	queue := &fakePublisher{}
	w := newTestWorker(store, prov, &fakeObjects{}, queue)

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err)

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.False(t, final.CanRetry())

	// No re-enqueue once the ceiling is reached
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, queue.count())
}

func TestRunAttempt_PollTimeout(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	// Never reaches a terminal status, so the wait ceiling trips
	prov := &fakeProvider{}
	queue := &fakePublisher{}
	w := newTestWorker(store, prov, &fakeObjects{}, queue)

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err)

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "timed out")
}

func TestRunAttempt_EmptyOutput(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	prov := &fakeProvider{
		polls: []*provider.Prediction{
			{ID: "pred-1", Status: provider.PredictionSucceeded},
		},
	}
	w := newTestWorker(store, prov, &fakeObjects{}, &fakePublisher{})

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err)

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "no output generated")
}

func TestRunAttempt_ClaimConflict(t *testing.T) {
	job := pendingJob(t, 3)
	job.Status = domain.StatusProcessing
	store := newFakeStore(job)
	w := newTestWorker(store, &fakeProvider{}, &fakeObjects{}, &fakePublisher{})

	err := w.runAttempt(context.Background(), job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrJobNotPending)
	assert.False(t, w.shouldRequeue(err))
}

func TestRunAttempt_CancelledMidFlight(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	prov := &fakeProvider{
		polls: []*provider.Prediction{
			{ID: "pred-1", Status: provider.PredictionSucceeded, Output: provider.OutputURLs{"https://cdn.example.com/out.png"}},
		},
	}
	// Cancellation lands while the prediction is in flight
	prov.onPoll = func(int) {
		store.cancelJob(job.ID)
	}
	w := newTestWorker(store, prov, &fakeObjects{}, &fakePublisher{})

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err)

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusCancelled, final.Status, "cancellation must not be overwritten")
	assert.Equal(t, []string{"pred-1"}, prov.cancelled, "in-flight prediction is revoked")
}

func TestRunAttempt_FatalError(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	prov := &fakeProvider{createErr: errors.New("malformed response")}
	queue := &fakePublisher{}
	w := newTestWorker(store, prov, &fakeObjects{}, queue)

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err)

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 0, final.RetryCount, "fatal failures do not consume retries")

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, queue.count())
}

func TestRunAttempt_TransientCreateFailure(t *testing.T) {
	job := pendingJob(t, 3)
	store := newFakeStore(job)
	prov := &fakeProvider{
		createErr: domain.NewTransientProviderError(fmt.Errorf("dial tcp: connection refused")),
	}
	w := newTestWorker(store, prov, &fakeObjects{}, &fakePublisher{})

	err := w.runAttempt(context.Background(), job.ID)
	require.NoError(t, err, "exhausted gateway retries count against the job ceiling")

	final := store.snapshot(t, job.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 1, final.RetryCount)
}

func TestShouldRequeue(t *testing.T) {
	w := newTestWorker(newFakeStore(), &fakeProvider{}, &fakeObjects{}, &fakePublisher{})

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"claim conflict", fmt.Errorf("job not claimable: %w", domain.ErrJobNotPending), false},
		{"transient database failure", &domain.TransientError{Source: "database", Err: assert.AnError}, true},
		{"plain error", assert.AnError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.shouldRequeue(tt.err))
		})
	}
}
