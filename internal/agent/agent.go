// Package agent wraps the upstream clients in the per-agent safety
// boundary: timeout race, panic containment, cache consultation, and the
// circuit breaker + retry stack. Agents never return errors; every
// failure becomes a kinded AgentResult so one bad agent cannot take down
// a run.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashita-ai/senken/internal/cache"
	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/resilience"
	"github.com/ashita-ai/senken/internal/upstream"
)

// Agent is a phase-1 gathering agent. Run never panics and never blocks
// past the agent timeout.
type Agent interface {
	ID() string
	Weight() float64
	Run(ctx context.Context, task model.TaskContext) model.AgentResult
}

// Reasoner is a phase-2 agent. It consumes sections produced earlier in
// the run; missing sections arrive as explicit unavailable markers, never
// as absent keys.
type Reasoner interface {
	ID() string
	Reason(ctx context.Context, task model.TaskContext, inputs map[string]json.RawMessage) model.AgentResult
}

// Deps bundles the shared infrastructure every agent runs through.
// Cache may be nil (reasoning agents, tests).
type Deps struct {
	Cache   *cache.Cache
	Retrier *resilience.Retrier
	Breaker *resilience.Breaker
	Policy  resilience.RetryPolicy
	Timeout time.Duration
	Logger  *slog.Logger
}

// UnavailableInput builds the marker payload passed to a Reasoner in
// place of a section that failed or was not selected.
func UnavailableInput(reason string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Unavailable bool   `json:"unavailable"`
		Reason      string `json:"reason"`
	}{true, reason})
	return b
}

// guard races fn against the agent timeout and contains panics. When the
// deadline wins, the losing goroutine is abandoned; its context is
// cancelled so a well-behaved client unwinds on its own.
func guard(ctx context.Context, service string, timeout time.Duration, fn func(ctx context.Context) (upstream.Response, error)) (upstream.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp upstream.Response
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: model.E(model.KindInternal, service, "agent panic: %v", r)}
			}
		}()
		resp, err := fn(callCtx)
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-ch:
		return o.resp, o.err
	case <-callCtx.Done():
		return upstream.Response{}, model.Wrap(model.KindTimeout, service, callCtx.Err())
	}
}
