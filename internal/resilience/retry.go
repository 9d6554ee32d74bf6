// Package resilience shields the pipeline from flaky upstream services.
//
// It provides two composable guards: a bounded exponential-backoff retry
// controller and a per-service three-state circuit breaker. Agents wrap
// every upstream call as breaker.Call(retry.Do(op)).
package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ashita-ai/senken/internal/model"
)

// RetryPolicy bounds the retry loop for one operation.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable decides which failure kinds are worth another attempt.
	// Nil means only KindUpstream retries.
	Retryable func(kind model.Kind) bool
}

// DefaultRetryPolicy matches the upstream-call defaults: 3 attempts,
// 200ms base delay doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
	}
}

func (p RetryPolicy) retryable(kind model.Kind) bool {
	if p.Retryable != nil {
		return p.Retryable(kind)
	}
	return kind == model.KindUpstream
}

// Delay returns the backoff before attempt i+1 (0-indexed):
// min(BaseDelay·Factor^i, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.BackoffFactor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retrier executes fallible operations under a RetryPolicy. It holds no
// cross-call state; the same Retrier is safe for concurrent use.
type Retrier struct {
	logger *slog.Logger
	// sleep is swappable in tests. Defaults to a ctx-aware time.After wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier logging each attempt through logger.
func NewRetrier(logger *slog.Logger) *Retrier {
	return &Retrier{
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Do executes op, retrying failures whose kind the policy marks retryable.
// Non-retryable failures propagate immediately. Exhausting MaxAttempts
// wraps the last error as KindRetriesExhausted. Delays carry jitter of up
// to half the computed backoff; the jittered sleep never exceeds MaxDelay.
func (r *Retrier) Do(ctx context.Context, service string, p RetryPolicy, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		kind := model.KindOf(err)
		if !p.retryable(kind) {
			r.logger.Debug("retry: non-retryable failure",
				"service", service, "attempt", attempt, "kind", string(kind))
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.Delay(attempt)
		if delay > 0 {
			delay += time.Duration(rand.Int64N(int64(delay)/2 + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		r.logger.Warn("retry: transient failure, backing off",
			"service", service, "attempt", attempt, "delay", delay, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return model.Wrap(model.KindTimeout, service, serr)
		}
	}
	r.logger.Warn("retry: budget exhausted",
		"service", service, "attempts", p.MaxAttempts, "error", err)
	return &model.Error{
		Kind:    model.KindRetriesExhausted,
		Service: service,
		Msg:     err.Error(),
		Err:     err,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
