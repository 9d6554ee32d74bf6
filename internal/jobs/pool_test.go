package jobs

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []model.Job
	completed map[uuid.UUID]*model.CompositeResult
	failed    map[uuid.UUID]string
}

func newFakeStore(jobs ...model.Job) *fakeStore {
	return &fakeStore{
		pending:   jobs,
		completed: make(map[uuid.UUID]*model.CompositeResult),
		failed:    make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ClaimNextJob(context.Context) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return model.Job{}, storage.ErrNotFound
	}
	job := s.pending[0]
	s.pending = s.pending[1:]
	return job, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id uuid.UUID, result *model.CompositeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = message
	return nil
}

func (s *fakeStore) PendingJobCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *fakeStore) terminalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed) + len(s.failed)
}

type fakeRunner struct {
	fn func(ctx context.Context, task model.TaskContext) (*model.CompositeResult, error)
}

func (r *fakeRunner) Analyze(ctx context.Context, task model.TaskContext) (*model.CompositeResult, error) {
	return r.fn(ctx, task)
}

func pendingJob(subject string) model.Job {
	return model.Job{
		ID:     uuid.New(),
		Status: model.JobStatusPending,
		Task:   model.TaskContext{Subject: subject, Modules: []model.Module{model.ModuleWebSearch}},
	}
}

func testConfig() Config {
	return Config{Concurrency: 2, PollInterval: 5 * time.Millisecond, JobTimeout: time.Second}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPoolProcessesBacklog(t *testing.T) {
	jobs := []model.Job{pendingJob("Acme Corp"), pendingJob("Globex"), pendingJob("Initech")}
	store := newFakeStore(jobs...)
	runner := &fakeRunner{fn: func(_ context.Context, task model.TaskContext) (*model.CompositeResult, error) {
		return &model.CompositeResult{Subject: task.Subject, Confidence: 0.9}, nil
	}}

	p := NewPool(store, runner, slog.New(slog.DiscardHandler), testConfig())
	p.Start(context.Background())
	defer p.Drain(context.Background())

	waitFor(t, func() bool { return store.terminalCount() == len(jobs) })
	for _, j := range jobs {
		res, ok := store.completed[j.ID]
		require.True(t, ok, "job %s should have completed", j.ID)
		assert.Equal(t, j.Task.Subject, res.Subject)
	}
}

func TestPoolRecordsFailureWithPlainMessage(t *testing.T) {
	job := pendingJob("Acme Corp")
	store := newFakeStore(job)
	runner := &fakeRunner{fn: func(context.Context, model.TaskContext) (*model.CompositeResult, error) {
		return nil, model.E(model.KindAllAgentsFailed, "orchestrator", "no gathering agent produced data")
	}}

	p := NewPool(store, runner, slog.New(slog.DiscardHandler), testConfig())
	p.Start(context.Background())
	defer p.Drain(context.Background())

	waitFor(t, func() bool { return store.terminalCount() == 1 })
	msg, ok := store.failed[job.ID]
	require.True(t, ok)
	assert.Contains(t, msg, "every data source failed")
	assert.Contains(t, msg, "resubmit")
}

func TestPoolAppliesJobTimeout(t *testing.T) {
	job := pendingJob("Acme Corp")
	store := newFakeStore(job)
	runner := &fakeRunner{fn: func(ctx context.Context, _ model.TaskContext) (*model.CompositeResult, error) {
		<-ctx.Done()
		return nil, model.Wrap(model.KindTimeout, "orchestrator", ctx.Err())
	}}

	cfg := testConfig()
	cfg.JobTimeout = 30 * time.Millisecond
	p := NewPool(store, runner, slog.New(slog.DiscardHandler), cfg)
	p.Start(context.Background())
	defer p.Drain(context.Background())

	waitFor(t, func() bool { return store.terminalCount() == 1 })
	msg, ok := store.failed[job.ID]
	require.True(t, ok)
	assert.Contains(t, msg, "deadline")
}

func TestPoolDrainWaitsForInflightJob(t *testing.T) {
	job := pendingJob("Acme Corp")
	store := newFakeStore(job)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	runner := &fakeRunner{fn: func(_ context.Context, task model.TaskContext) (*model.CompositeResult, error) {
		once.Do(func() { close(started) })
		<-release
		return &model.CompositeResult{Subject: task.Subject}, nil
	}}

	p := NewPool(store, runner, slog.New(slog.DiscardHandler), testConfig())
	p.Start(context.Background())

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Drain(drainCtx)

	assert.Equal(t, 1, store.terminalCount(), "drain must wait for the in-flight job to finish")
}

func TestPoolStartTwiceIsNoop(t *testing.T) {
	store := newFakeStore()
	runner := &fakeRunner{fn: func(context.Context, model.TaskContext) (*model.CompositeResult, error) {
		return nil, nil
	}}

	p := NewPool(store, runner, slog.New(slog.DiscardHandler), testConfig())
	p.Start(context.Background())
	p.Start(context.Background())
	p.Drain(context.Background())
}

func TestFailureMessageByKind(t *testing.T) {
	tests := []struct {
		kind model.Kind
		want string
	}{
		{model.KindAllAgentsFailed, "every data source failed"},
		{model.KindTimeout, "did not finish within the job deadline"},
		{model.KindValidation, "could not be processed"},
		{model.KindInternal, "internal error"},
	}
	for _, tt := range tests {
		msg := failureMessage(model.E(tt.kind, "orchestrator", "boom"))
		assert.Contains(t, msg, tt.want, "kind %s", tt.kind)
	}
}
