package agent

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/upstream"
)

// Reasoning is a phase-2 agent. Both reasoning agents share one upstream
// service (and therefore one circuit-breaker bucket); the operation param
// tells the service which step to perform.
type Reasoning struct {
	id     string
	client upstream.Client
	deps   Deps
}

// NewAnalysis creates the agent that synthesizes gathered sections into
// an analysis.
func NewAnalysis(client upstream.Client, deps Deps) *Reasoning {
	return &Reasoning{id: "analysis", client: client, deps: deps}
}

// NewRecommendation creates the agent that turns the analysis into a
// recommendation. It runs after, and consumes, the analysis section.
func NewRecommendation(client upstream.Client, deps Deps) *Reasoning {
	return &Reasoning{id: "recommendation", client: client, deps: deps}
}

func (a *Reasoning) ID() string { return a.id }

// Reason calls the reasoning service with the prior sections as inputs.
// Reasoning output depends on those inputs, so it is never cached
// per-agent; only the composite result is.
func (a *Reasoning) Reason(ctx context.Context, task model.TaskContext, inputs map[string]json.RawMessage) model.AgentResult {
	start := time.Now()
	service := a.client.Service()

	params := make(map[string]string, len(task.Params)+1)
	maps.Copy(params, task.Params)
	params["operation"] = a.id

	resp, err := guard(ctx, service, a.deps.Timeout, func(ctx context.Context) (upstream.Response, error) {
		var resp upstream.Response
		err := a.deps.Retrier.Do(ctx, service, a.deps.Policy, func(ctx context.Context) error {
			return a.deps.Breaker.Call(ctx, service, func(ctx context.Context) error {
				r, err := a.client.Call(ctx, upstream.Request{Subject: task.Subject, Params: params, Inputs: inputs})
				if err != nil {
					return err
				}
				resp = r
				return nil
			})
		})
		return resp, err
	})
	if err != nil {
		a.deps.Logger.Warn("reasoning agent failed",
			"agent", a.id, "subject", task.Subject, "kind", model.KindOf(err), "error", err)
		res := model.FailureFrom(a.id, err)
		res.Elapsed = time.Since(start)
		return res
	}

	res := model.Success(a.id, resp.Payload, resp.Confidence)
	res.Elapsed = time.Since(start)
	return res
}
