// Package model defines the core domain types for Senken.
//
// Types are immutable where the pipeline requires it (TaskContext,
// CompositeResult) and use strong typing (UUIDs, time.Time, enums)
// rather than interface{} wherever possible.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Module identifies one analysis section a caller can request.
type Module string

const (
	ModuleWebSearch   Module = "webSearch"
	ModuleMarketTrend Module = "marketTrend"
	ModuleFinancials  Module = "financials"
)

// KnownModules is the closed set of selectable analysis modules.
var KnownModules = []Module{ModuleWebSearch, ModuleMarketTrend, ModuleFinancials}

// Field length limits for TaskContext fields. These keep a single oversized
// field from flooding the embedding pipeline or the jobs table.
const (
	MaxSubjectLen     = 200
	MaxDescriptionLen = 8 * 1024
	MaxParamKeyLen    = 100
	MaxParamValueLen  = 4 * 1024
	MaxParams         = 32
)

// TaskContext is the immutable input to one orchestration run.
// Created once per run and never mutated afterward.
type TaskContext struct {
	// Subject is the entity under analysis, e.g. a company name.
	Subject string `json:"subject"`
	// Modules selects which analysis sections to produce.
	Modules []Module `json:"modules"`
	// Params carries free-form analysis parameters (region, horizon, ...).
	Params map[string]string `json:"params,omitempty"`
	// Description is a free-text restatement of the request, used for
	// semantic cache matching. Optional; derived from Subject when empty.
	Description string `json:"description,omitempty"`
}

// Validate checks field limits and module names.
func (t TaskContext) Validate() error {
	if strings.TrimSpace(t.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if len(t.Subject) > MaxSubjectLen {
		return fmt.Errorf("subject exceeds maximum length of %d characters", MaxSubjectLen)
	}
	if len(t.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if len(t.Modules) == 0 {
		return fmt.Errorf("at least one module is required")
	}
	for _, m := range t.Modules {
		if !isKnownModule(m) {
			return fmt.Errorf("unknown module %q", m)
		}
	}
	if len(t.Params) > MaxParams {
		return fmt.Errorf("params exceed maximum count of %d", MaxParams)
	}
	for k, v := range t.Params {
		if len(k) > MaxParamKeyLen {
			return fmt.Errorf("param key %q exceeds maximum length of %d", k[:MaxParamKeyLen], MaxParamKeyLen)
		}
		if len(v) > MaxParamValueLen {
			return fmt.Errorf("param %q value exceeds maximum length of %d", k, MaxParamValueLen)
		}
	}
	return nil
}

// HasModule reports whether the given module was selected.
func (t TaskContext) HasModule(m Module) bool {
	for _, sel := range t.Modules {
		if sel == m {
			return true
		}
	}
	return false
}

// SemanticText returns the text embedded for semantic cache matching.
func (t TaskContext) SemanticText() string {
	if t.Description != "" {
		return t.Description
	}
	mods := make([]string, len(t.Modules))
	for i, m := range t.Modules {
		mods[i] = string(m)
	}
	sort.Strings(mods)
	return fmt.Sprintf("%s analysis of %s", strings.Join(mods, ", "), t.Subject)
}

// CacheKey derives the deterministic composite cache key for this context:
// a sha256 over the subject, the sorted module list, and the canonicalized
// parameters. Two contexts with the same analytical meaning but different
// map ordering produce the same key.
func (t TaskContext) CacheKey() string {
	mods := make([]string, len(t.Modules))
	for i, m := range t.Modules {
		mods[i] = string(m)
	}
	sort.Strings(mods)

	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(t.Subject))))
	h.Write([]byte{0})
	for _, m := range mods {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(t.Params[k]))
		h.Write([]byte{0})
	}
	return "task:" + hex.EncodeToString(h.Sum(nil))
}

// AgentCacheKey derives the per-agent cache key: the composite key scoped
// by the agent identifier.
func (t TaskContext) AgentCacheKey(agentID string) string {
	return t.CacheKey() + ":" + agentID
}

// MarshalParams returns the params as canonical JSON for persistence.
func (t TaskContext) MarshalParams() ([]byte, error) {
	if t.Params == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.Params)
}

func isKnownModule(m Module) bool {
	for _, known := range KnownModules {
		if m == known {
			return true
		}
	}
	return false
}
