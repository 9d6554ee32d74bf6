// Package orchestrator runs the two-phase analysis pipeline: parallel
// gathering over the selected data agents, then sequential reasoning over
// whatever the gathering phase produced. A run degrades instead of
// failing as long as at least one gathering agent delivers.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/senken/internal/agent"
	"github.com/ashita-ai/senken/internal/cache"
	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/telemetry"
)

// Orchestrator owns the agent set and the composite cache. All state it
// mutates lives behind the injected services; the struct itself is safe
// for concurrent runs.
type Orchestrator struct {
	gatherers      map[model.Module]agent.Agent
	analysis       agent.Reasoner
	recommendation agent.Reasoner
	store          *cache.Cache
	logger         *slog.Logger

	runDuration metric.Float64Histogram
	runsTotal   metric.Int64Counter
}

// New assembles the orchestrator. Gathering agents are keyed by their ID,
// which must match the module name that selects them. store may be nil.
func New(gatherers []agent.Agent, analysis, recommendation agent.Reasoner, store *cache.Cache, logger *slog.Logger) *Orchestrator {
	byModule := make(map[model.Module]agent.Agent, len(gatherers))
	for _, a := range gatherers {
		byModule[model.Module(a.ID())] = a
	}

	meter := telemetry.Meter("senken/orchestrator")
	runDuration, _ := meter.Float64Histogram("senken.run.duration",
		metric.WithDescription("End-to-end duration of orchestration runs"),
		metric.WithUnit("s"))
	runsTotal, _ := meter.Int64Counter("senken.runs.total",
		metric.WithDescription("Orchestration runs by outcome"))

	return &Orchestrator{
		gatherers:      byModule,
		analysis:       analysis,
		recommendation: recommendation,
		store:          store,
		logger:         logger,
		runDuration:    runDuration,
		runsTotal:      runsTotal,
	}
}

// Analyze executes one run. The composite cache is consulted first; a hit
// returns the prior result byte for byte with zero upstream calls, and
// concurrent misses for the same task share a single live run. The only
// error a live run can produce is kind AllAgentsFailed (or Validation for
// a bad task); partial failure is a degraded success.
func (o *Orchestrator) Analyze(ctx context.Context, task model.TaskContext) (*model.CompositeResult, error) {
	if err := task.Validate(); err != nil {
		return nil, model.Wrap(model.KindValidation, "orchestrator", err)
	}

	started := time.Now()
	if o.store == nil {
		return o.run(ctx, task, started)
	}

	key := task.CacheKey()
	var live *model.CompositeResult
	raw, hit, err := o.store.Fetch(ctx, key, task.SemanticText(), func(ctx context.Context) ([]byte, error) {
		composite, rerr := o.run(ctx, task, started)
		if rerr != nil {
			return nil, rerr
		}
		live = composite
		return json.Marshal(composite)
	})
	if err != nil {
		if live != nil {
			// The run itself succeeded; only serializing it failed.
			o.logger.Warn("composite result not cacheable", "error", err)
			return live, nil
		}
		return nil, err
	}
	if live != nil {
		return live, nil
	}

	var composite model.CompositeResult
	if uerr := json.Unmarshal(raw, &composite); uerr != nil {
		o.logger.Warn("discarding undecodable composite cache entry", "key", key)
		fresh, rerr := o.run(ctx, task, started)
		if rerr == nil {
			if b, merr := json.Marshal(fresh); merr == nil {
				o.store.Put(ctx, key, task.SemanticText(), b)
			}
		}
		return fresh, rerr
	}
	if hit {
		composite.FromCache = true
		o.observe(ctx, started, "cache_hit")
	}
	return &composite, nil
}

// run executes both phases without consulting the composite cache.
func (o *Orchestrator) run(ctx context.Context, task model.TaskContext, started time.Time) (*model.CompositeResult, error) {
	outcome := o.gather(ctx, task)
	if outcome.SuccessCount() == 0 {
		o.observe(ctx, started, "all_failed")
		return nil, model.E(model.KindAllAgentsFailed, "orchestrator",
			"no gathering agent produced data for %q: %s", task.Subject, strings.Join(outcome.Errors, "; "))
	}

	analysisRes, recRes := o.reason(ctx, task, outcome)
	composite := o.aggregate(task, outcome, analysisRes, recRes, started)

	status := "completed"
	if len(composite.Degraded) > 0 {
		status = "degraded"
	}
	o.observe(ctx, started, status)
	o.logger.Info("run finished",
		"subject", task.Subject,
		"confidence", composite.Confidence,
		"degraded", composite.DegradedSectionNames(),
		"elapsed", time.Since(started))
	return composite, nil
}

// gather fans the selected agents out in parallel and waits for all of
// them to settle. Agents report failure through their result, never
// through an error, so the group can never cancel a sibling.
func (o *Orchestrator) gather(ctx context.Context, task model.TaskContext) *model.PhaseOutcome {
	outcome := model.NewPhaseOutcome()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, module := range task.Modules {
		a, ok := o.gatherers[module]
		if !ok {
			outcome.Record(model.Failure(string(module), model.KindInternal, "no agent configured for this module"))
			continue
		}
		g.Go(func() error {
			res := a.Run(gctx, task)
			mu.Lock()
			outcome.Record(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcome
}

// reason runs the two reasoning agents in strict order. Each consumes the
// sections before it; anything missing is passed as an explicit
// unavailable marker so the reasoning service sees the full section list.
func (o *Orchestrator) reason(ctx context.Context, task model.TaskContext, outcome *model.PhaseOutcome) (analysisRes, recRes model.AgentResult) {
	inputs := make(map[string]json.RawMessage, len(outcome.Results)+1)
	for id, res := range outcome.Results {
		if res.Succeeded {
			inputs[id] = res.Payload
		} else {
			inputs[id] = agent.UnavailableInput(model.UserMessage(res.FailureKind, id))
		}
	}

	analysisRes = o.analysis.Reason(ctx, task, inputs)

	recInputs := make(map[string]json.RawMessage, len(inputs)+1)
	for id, payload := range inputs {
		recInputs[id] = payload
	}
	if analysisRes.Succeeded {
		recInputs[analysisRes.AgentID] = analysisRes.Payload
	} else {
		recInputs[analysisRes.AgentID] = agent.UnavailableInput(model.UserMessage(analysisRes.FailureKind, analysisRes.AgentID))
	}

	recRes = o.recommendation.Reason(ctx, task, recInputs)
	return analysisRes, recRes
}

// aggregate merges all sections and computes the overall confidence:
// sum(weight_i * confidence_i) over succeeded gathering agents divided by
// sum(weight_i) over all selected gathering agents. A failed agent keeps
// its weight in the denominator, so every failure drags the score down in
// proportion to its criticality.
func (o *Orchestrator) aggregate(task model.TaskContext, outcome *model.PhaseOutcome, analysisRes, recRes model.AgentResult, started time.Time) *model.CompositeResult {
	sections := make(map[string]json.RawMessage)
	var degraded []model.DegradedSection

	var num, den float64
	for _, module := range task.Modules {
		res, ok := outcome.Results[string(module)]
		if !ok {
			continue
		}
		weight := 1.0
		if a, ok := o.gatherers[module]; ok {
			weight = a.Weight()
		}
		den += weight
		if res.Succeeded {
			sections[res.AgentID] = res.Payload
			num += weight * res.Confidence
		} else {
			degraded = append(degraded, model.DegradedSection{
				Section: res.AgentID,
				Reason:  model.UserMessage(res.FailureKind, res.AgentID),
			})
		}
	}

	for _, res := range []model.AgentResult{analysisRes, recRes} {
		if res.Succeeded {
			sections[res.AgentID] = res.Payload
		} else {
			degraded = append(degraded, model.DegradedSection{
				Section: res.AgentID,
				Reason:  model.UserMessage(res.FailureKind, res.AgentID),
			})
		}
	}

	confidence := 0.0
	if den > 0 {
		confidence = num / den
	}

	return &model.CompositeResult{
		Subject:    task.Subject,
		Sections:   sections,
		Confidence: confidence,
		Degraded:   degraded,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
}

func (o *Orchestrator) observe(ctx context.Context, started time.Time, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	o.runDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	o.runsTotal.Add(ctx, 1, attrs)
}
