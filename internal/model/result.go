package model

import (
	"encoding/json"
	"time"
)

// AgentResult is the tagged outcome of one agent for one run. Exactly one
// of the success fields or the failure fields is populated; Succeeded
// discriminates. Produced once per agent per run and owned by the
// orchestrator for the duration of the run.
type AgentResult struct {
	AgentID   string          `json:"agent_id"`
	Succeeded bool            `json:"succeeded"`

	// Success fields.
	Payload    json.RawMessage `json:"payload,omitempty"`
	Confidence float64         `json:"confidence,omitempty"` // [0, 1]

	// Failure fields.
	FailureKind Kind   `json:"failure_kind,omitempty"`
	Message     string `json:"message,omitempty"`

	// FromCache marks results served from the cache without an upstream call.
	FromCache bool          `json:"from_cache,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns,omitempty"`
}

// Success constructs a successful AgentResult. Confidence is clamped to [0, 1].
func Success(agentID string, payload json.RawMessage, confidence float64) AgentResult {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return AgentResult{
		AgentID:    agentID,
		Succeeded:  true,
		Payload:    payload,
		Confidence: confidence,
	}
}

// Failure constructs a failed AgentResult.
func Failure(agentID string, kind Kind, message string) AgentResult {
	return AgentResult{
		AgentID:     agentID,
		Succeeded:   false,
		FailureKind: kind,
		Message:     message,
	}
}

// FailureFrom folds a kinded error into a failed AgentResult.
func FailureFrom(agentID string, err error) AgentResult {
	return Failure(agentID, KindOf(err), err.Error())
}

// PhaseOutcome maps agent identifier to its result for one phase, plus the
// per-phase error list. Built incrementally as agents complete; callers
// must treat it as immutable once the phase closes.
type PhaseOutcome struct {
	Results map[string]AgentResult `json:"results"`
	Errors  []string               `json:"errors,omitempty"`
}

// NewPhaseOutcome returns an empty outcome ready for accumulation.
func NewPhaseOutcome() *PhaseOutcome {
	return &PhaseOutcome{Results: make(map[string]AgentResult)}
}

// Record stores one agent's result, folding failures into the error list.
func (p *PhaseOutcome) Record(res AgentResult) {
	p.Results[res.AgentID] = res
	if !res.Succeeded {
		p.Errors = append(p.Errors, res.AgentID+": "+res.Message)
	}
}

// Succeeded returns the IDs of agents that produced usable data, in no
// particular order.
func (p *PhaseOutcome) Succeeded() []string {
	var ids []string
	for id, res := range p.Results {
		if res.Succeeded {
			ids = append(ids, id)
		}
	}
	return ids
}

// SuccessCount returns how many agents in this phase succeeded.
func (p *PhaseOutcome) SuccessCount() int {
	n := 0
	for _, res := range p.Results {
		if res.Succeeded {
			n++
		}
	}
	return n
}

// DegradedSection describes one missing or degraded composite section.
type DegradedSection struct {
	Section string `json:"section"`
	Reason  string `json:"reason"`
}

// CompositeResult is the final aggregation of one orchestration run:
// merged payloads from all succeeding agents, an overall confidence score,
// and the list of degraded sections. Created once at the end of a run;
// this is what gets persisted and returned.
type CompositeResult struct {
	Subject    string                     `json:"subject"`
	Sections   map[string]json.RawMessage `json:"sections"`
	Confidence float64                    `json:"confidence"`
	Degraded   []DegradedSection          `json:"degraded_sections,omitempty"`
	FromCache  bool                       `json:"from_cache,omitempty"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
}

// DegradedSectionNames returns the section names in Degraded, preserving order.
func (c *CompositeResult) DegradedSectionNames() []string {
	names := make([]string, len(c.Degraded))
	for i, d := range c.Degraded {
		names[i] = d.Section
	}
	return names
}
