package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/senken/internal/agent"
	"github.com/ashita-ai/senken/internal/cache"
	"github.com/ashita-ai/senken/internal/model"
)

type stubAgent struct {
	id     string
	weight float64
	res    model.AgentResult
	calls  atomic.Int32
}

func (s *stubAgent) ID() string      { return s.id }
func (s *stubAgent) Weight() float64 { return s.weight }

func (s *stubAgent) Run(context.Context, model.TaskContext) model.AgentResult {
	s.calls.Add(1)
	res := s.res
	res.AgentID = s.id
	return res
}

type stubReasoner struct {
	id     string
	res    model.AgentResult
	inputs map[string]json.RawMessage
	calls  atomic.Int32
}

func (s *stubReasoner) ID() string { return s.id }

func (s *stubReasoner) Reason(_ context.Context, _ model.TaskContext, inputs map[string]json.RawMessage) model.AgentResult {
	s.calls.Add(1)
	s.inputs = inputs
	res := s.res
	res.AgentID = s.id
	return res
}

func okAgent(id string, weight, confidence float64) *stubAgent {
	return &stubAgent{id: id, weight: weight, res: model.Success(id, json.RawMessage(`{"data":"`+id+`"}`), confidence)}
}

func failedAgent(id string, weight float64, kind model.Kind) *stubAgent {
	return &stubAgent{id: id, weight: weight, res: model.Failure(id, kind, string(kind))}
}

func okReasoner(id string, confidence float64) *stubReasoner {
	return &stubReasoner{id: id, res: model.Success(id, json.RawMessage(`{"text":"`+id+`"}`), confidence)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newMemoryCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.NewMemory(time.Minute, 64), nil, nil, testLogger())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAnalyzeFullSuccess(t *testing.T) {
	web := okAgent("webSearch", 1.0, 0.8)
	fin := okAgent("financials", 1.0, 0.9)
	analysis := okReasoner("analysis", 0.85)
	rec := okReasoner("recommendation", 0.8)

	o := New([]agent.Agent{web, fin}, analysis, rec, nil, testLogger())
	res, err := o.Analyze(context.Background(), model.TaskContext{
		Subject: "Acme Corp",
		Modules: []model.Module{model.ModuleWebSearch, model.ModuleFinancials},
	})
	require.NoError(t, err)

	assert.Len(t, res.Sections, 4)
	assert.Empty(t, res.Degraded)
	assert.InDelta(t, (0.8+0.9)/2, res.Confidence, 1e-9)
	assert.False(t, res.FromCache)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	// Analysis saw both gathered sections, recommendation saw the analysis too.
	assert.Len(t, analysis.inputs, 2)
	assert.Contains(t, rec.inputs, "analysis")
}

func TestAnalyzeDegradedRun(t *testing.T) {
	trend := failedAgent("marketTrend", 1.0, model.KindTimeout)
	fin := okAgent("financials", 1.0, 0.9)
	analysis := okReasoner("analysis", 0.85)
	rec := okReasoner("recommendation", 0.8)

	o := New([]agent.Agent{trend, fin}, analysis, rec, nil, testLogger())
	res, err := o.Analyze(context.Background(), model.TaskContext{
		Subject: "Acme Corp",
		Modules: []model.Module{model.ModuleMarketTrend, model.ModuleFinancials},
	})
	require.NoError(t, err, "partial failure is a degraded success, not an error")

	assert.Equal(t, []string{"marketTrend"}, res.DegradedSectionNames())
	assert.InDelta(t, 0.45, res.Confidence, 1e-9)
	assert.NotContains(t, res.Sections, "marketTrend")
	assert.Contains(t, res.Sections, "financials")

	// The reasoning phase still ran, with an explicit unavailable marker.
	require.Contains(t, analysis.inputs, "marketTrend")
	assert.JSONEq(t,
		`{"unavailable":true,"reason":"the lookup did not finish in time"}`,
		string(analysis.inputs["marketTrend"]))
}

func TestAnalyzeWeightedConfidence(t *testing.T) {
	// financials carries triple weight; webSearch fails.
	web := failedAgent("webSearch", 1.0, model.KindUpstream)
	fin := okAgent("financials", 3.0, 0.8)

	o := New([]agent.Agent{web, fin}, okReasoner("analysis", 0.9), okReasoner("recommendation", 0.9), nil, testLogger())
	res, err := o.Analyze(context.Background(), model.TaskContext{
		Subject: "Acme Corp",
		Modules: []model.Module{model.ModuleWebSearch, model.ModuleFinancials},
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0*0.8/4.0, res.Confidence, 1e-9)
}

func TestAnalyzeAllAgentsFailed(t *testing.T) {
	web := failedAgent("webSearch", 1.0, model.KindUpstream)
	trend := failedAgent("marketTrend", 1.0, model.KindTimeout)
	analysis := okReasoner("analysis", 0.9)

	o := New([]agent.Agent{web, trend}, analysis, okReasoner("recommendation", 0.9), nil, testLogger())
	res, err := o.Analyze(context.Background(), model.TaskContext{
		Subject: "Acme Corp",
		Modules: []model.Module{model.ModuleWebSearch, model.ModuleMarketTrend},
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, model.KindAllAgentsFailed, model.KindOf(err))
	assert.Equal(t, int32(0), analysis.calls.Load(), "reasoning must not run without any data")
}

func TestAnalyzeReasoningFailureDegrades(t *testing.T) {
	fin := okAgent("financials", 1.0, 0.9)
	analysis := &stubReasoner{id: "analysis", res: model.Failure("analysis", model.KindRetriesExhausted, "kept failing")}
	rec := okReasoner("recommendation", 0.8)

	o := New([]agent.Agent{fin}, analysis, rec, nil, testLogger())
	res, err := o.Analyze(context.Background(), model.TaskContext{
		Subject: "Acme Corp",
		Modules: []model.Module{model.ModuleFinancials},
	})
	require.NoError(t, err)

	assert.Contains(t, res.DegradedSectionNames(), "analysis")
	assert.NotContains(t, res.Sections, "analysis")
	// Gathering confidence is untouched by reasoning failures.
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	// The recommendation agent received an unavailable marker for analysis.
	var marker struct {
		Unavailable bool `json:"unavailable"`
	}
	require.NoError(t, json.Unmarshal(rec.inputs["analysis"], &marker))
	assert.True(t, marker.Unavailable)
}

func TestAnalyzeCompositeCacheHit(t *testing.T) {
	web := okAgent("webSearch", 1.0, 0.8)
	analysis := okReasoner("analysis", 0.85)
	rec := okReasoner("recommendation", 0.8)
	store := newMemoryCache(t)

	o := New([]agent.Agent{web}, analysis, rec, store, testLogger())
	task := model.TaskContext{Subject: "Acme Corp", Modules: []model.Module{model.ModuleWebSearch}}

	first, err := o.Analyze(context.Background(), task)
	require.NoError(t, err)

	second, err := o.Analyze(context.Background(), task)
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, int32(1), web.calls.Load(), "cache hit must not run any agent")
	assert.Equal(t, int32(1), analysis.calls.Load())

	// Byte-identical payloads: compare the canonical JSON of both results
	// ignoring the cache flag.
	second.FromCache = false
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
}

// gatedAgent blocks inside Run until released, so a test can pile up
// concurrent Analyze calls behind one live run.
type gatedAgent struct {
	id      string
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedAgent) ID() string      { return g.id }
func (g *gatedAgent) Weight() float64 { return 1 }

func (g *gatedAgent) Run(context.Context, model.TaskContext) model.AgentResult {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return model.Success(g.id, json.RawMessage(`{"data":"webSearch"}`), 0.8)
}

func TestAnalyzeConcurrentMissesShareOneRun(t *testing.T) {
	web := &gatedAgent{id: "webSearch", entered: make(chan struct{}), release: make(chan struct{})}
	analysis := okReasoner("analysis", 0.85)
	rec := okReasoner("recommendation", 0.8)
	store := newMemoryCache(t)

	o := New([]agent.Agent{web}, analysis, rec, store, testLogger())
	task := model.TaskContext{Subject: "Acme Corp", Modules: []model.Module{model.ModuleWebSearch}}

	var wg sync.WaitGroup
	results := make([]*model.CompositeResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = o.Analyze(context.Background(), task)
		}(i)
	}

	<-web.entered
	// Let the remaining calls miss the cache and join the in-flight run.
	time.Sleep(50 * time.Millisecond)
	close(web.release)
	wg.Wait()

	assert.Equal(t, int32(1), web.calls.Load(), "concurrent misses must share one gathering run")
	assert.Equal(t, int32(1), analysis.calls.Load(), "concurrent misses must share one reasoning run")
	for i := range results {
		require.NoError(t, errs[i], "call %d", i)
		assert.InDelta(t, 0.8, results[i].Confidence, 1e-9)
	}
}

func TestAnalyzeInvalidTask(t *testing.T) {
	o := New(nil, okReasoner("analysis", 0.9), okReasoner("recommendation", 0.9), nil, testLogger())

	_, err := o.Analyze(context.Background(), model.TaskContext{Subject: ""})
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}
