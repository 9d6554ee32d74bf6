// Package jobs drives asynchronous analysis runs: a worker pool that
// claims pending jobs from Postgres, hands them to the orchestrator under
// a per-job deadline, and records the terminal state. Claim exclusivity
// lives in the storage layer; the pool never sees a job twice.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/storage"
	"github.com/ashita-ai/senken/internal/telemetry"
)

// Store is the job persistence the pool drives. storage.DB implements it.
type Store interface {
	ClaimNextJob(ctx context.Context) (model.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result *model.CompositeResult) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	PendingJobCount(ctx context.Context) (int, error)
}

// Runner executes one analysis. The orchestrator implements it.
type Runner interface {
	Analyze(ctx context.Context, task model.TaskContext) (*model.CompositeResult, error)
}

// Config sizes the pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Pool is a fixed set of polling workers with a Start/Drain lifecycle.
type Pool struct {
	store  Store
	runner Runner
	logger *slog.Logger
	cfg    Config

	started    atomic.Bool
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup

	jobsDone metric.Int64Counter
}

// NewPool creates the pool; call Start to begin claiming.
func NewPool(store Store, runner Runner, logger *slog.Logger, cfg Config) *Pool {
	return &Pool{
		store:  store,
		runner: runner,
		logger: logger,
		cfg:    cfg,
	}
}

// Start launches the workers. It is safe to call only once; subsequent
// calls are no-ops and log a warning.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("job pool: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	for i := range p.cfg.Concurrency {
		p.wg.Add(1)
		go p.workLoop(loopCtx, i)
	}
}

// Drain stops the claim loops and waits for in-flight jobs to finish or
// the context to expire. In-flight runs are not cancelled; a job started
// before Drain completes under its own deadline.
func (p *Pool) Drain(ctx context.Context) {
	if p.cancelLoop != nil {
		p.cancelLoop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("job pool: drain timed out with jobs in flight")
	}
}

func (p *Pool) workLoop(ctx context.Context, worker int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the backlog before going back to sleep.
			for ctx.Err() == nil {
				job, err := p.store.ClaimNextJob(ctx)
				if errors.Is(err, storage.ErrNotFound) {
					break
				}
				if err != nil {
					p.logger.Error("job pool: claim failed", "worker", worker, "error", err)
					break
				}
				p.process(ctx, worker, job)
			}
		}
	}
}

// process runs one claimed job. The run gets its own deadline detached
// from the claim loop, so a drain does not cancel work already started.
func (p *Pool) process(ctx context.Context, worker int, job model.Job) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	defer cancel()

	started := time.Now()
	p.logger.Info("job started", "worker", worker, "job_id", job.ID, "subject", job.Task.Subject)

	result, err := p.runner.Analyze(jobCtx, job.Task)

	// Terminal-state writes get their own deadline: the job deadline may
	// already be spent by the time the run returns.
	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(jobCtx), 10*time.Second)
	defer recordCancel()

	if err != nil {
		msg := failureMessage(err)
		p.logger.Warn("job failed",
			"worker", worker, "job_id", job.ID, "kind", model.KindOf(err), "error", err, "elapsed", time.Since(started))
		if ferr := p.store.FailJob(recordCtx, job.ID, msg); ferr != nil {
			p.logger.Error("job pool: record failure", "job_id", job.ID, "error", ferr)
		}
		p.count(recordCtx, "failed")
		return
	}

	if cerr := p.store.CompleteJob(recordCtx, job.ID, result); cerr != nil {
		p.logger.Error("job pool: record completion", "job_id", job.ID, "error", cerr)
		p.count(recordCtx, "failed")
		return
	}
	p.logger.Info("job completed",
		"worker", worker, "job_id", job.ID,
		"confidence", result.Confidence,
		"degraded", result.DegradedSectionNames(),
		"elapsed", time.Since(started))
	p.count(recordCtx, "completed")
}

// failureMessage turns a terminal run error into the plain-language
// message stored on the job.
func failureMessage(err error) string {
	switch model.KindOf(err) {
	case model.KindAllAgentsFailed:
		return "every data source failed for this analysis; resubmit once the upstream services recover"
	case model.KindTimeout:
		return "the analysis did not finish within the job deadline; resubmitting may succeed under lighter load"
	case model.KindValidation:
		return fmt.Sprintf("the request could not be processed: %v", err)
	default:
		return "the analysis failed due to an internal error; resubmitting may succeed"
	}
}

func (p *Pool) count(ctx context.Context, status string) {
	if p.jobsDone != nil {
		p.jobsDone.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("senken/jobs")

	p.jobsDone, _ = meter.Int64Counter("senken.jobs.finished",
		metric.WithDescription("Jobs finished by terminal status"))

	_, _ = meter.Int64ObservableGauge("senken.jobs.pending",
		metric.WithDescription("Jobs waiting to be claimed"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := p.store.PendingJobCount(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(n))
			return nil
		}),
	)
}
