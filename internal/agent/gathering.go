package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/upstream"
)

// cachedSection is the wire form of a per-agent cache entry.
type cachedSection struct {
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
}

// Gathering is a phase-1 agent: one upstream data service behind the
// cache and the resilience stack.
type Gathering struct {
	client upstream.Client
	weight float64
	deps   Deps
}

// NewGathering wraps client as a gathering agent. weight is the agent's
// share in the composite confidence.
func NewGathering(client upstream.Client, weight float64, deps Deps) *Gathering {
	return &Gathering{client: client, weight: weight, deps: deps}
}

// ID returns the upstream service name; it doubles as the section name
// in the composite result.
func (a *Gathering) ID() string { return a.client.Service() }

func (a *Gathering) Weight() float64 { return a.weight }

// Run consults the cache first; a hit skips the upstream entirely. On a
// miss, the call goes through the breaker and retry stack under the agent
// timeout, concurrent misses for the same key share one upstream call,
// and a success is written back through the cache.
func (a *Gathering) Run(ctx context.Context, task model.TaskContext) model.AgentResult {
	start := time.Now()

	if a.deps.Cache == nil {
		return a.runDirect(ctx, task, start)
	}

	key := task.AgentCacheKey(a.ID())
	raw, hit, err := a.deps.Cache.Fetch(ctx, key, "", func(ctx context.Context) ([]byte, error) {
		resp, err := a.call(ctx, task)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cachedSection{Payload: resp.Payload, Confidence: resp.Confidence})
	})
	if err != nil {
		a.deps.Logger.Warn("gathering agent failed",
			"agent", a.ID(), "subject", task.Subject, "kind", model.KindOf(err), "error", err)
		res := model.FailureFrom(a.ID(), err)
		res.Elapsed = time.Since(start)
		return res
	}

	var cached cachedSection
	if err := json.Unmarshal(raw, &cached); err != nil {
		a.deps.Logger.Warn("discarding undecodable cache entry", "agent", a.ID(), "key", key)
		return a.runDirect(ctx, task, start)
	}

	res := model.Success(a.ID(), cached.Payload, cached.Confidence)
	res.FromCache = hit
	res.Elapsed = time.Since(start)
	return res
}

func (a *Gathering) runDirect(ctx context.Context, task model.TaskContext, start time.Time) model.AgentResult {
	resp, err := a.call(ctx, task)
	if err != nil {
		a.deps.Logger.Warn("gathering agent failed",
			"agent", a.ID(), "subject", task.Subject, "kind", model.KindOf(err), "error", err)
		res := model.FailureFrom(a.ID(), err)
		res.Elapsed = time.Since(start)
		return res
	}
	res := model.Success(a.ID(), resp.Payload, resp.Confidence)
	res.Elapsed = time.Since(start)
	return res
}

func (a *Gathering) call(ctx context.Context, task model.TaskContext) (upstream.Response, error) {
	service := a.client.Service()
	return guard(ctx, service, a.deps.Timeout, func(ctx context.Context) (upstream.Response, error) {
		var resp upstream.Response
		err := a.deps.Retrier.Do(ctx, service, a.deps.Policy, func(ctx context.Context) error {
			return a.deps.Breaker.Call(ctx, service, func(ctx context.Context) error {
				r, err := a.client.Call(ctx, upstream.Request{Subject: task.Subject, Params: task.Params})
				if err != nil {
					return err
				}
				resp = r
				return nil
			})
		})
		return resp, err
	})
}
