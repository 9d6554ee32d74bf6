// Package upstream holds the HTTP clients for the external analysis
// services. Each client speaks a small JSON contract and converts
// transport and schema failures into kinded errors so the resilience
// layer can decide what is retryable.
package upstream

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/senken/internal/model"
)

// Request is the input to one upstream call. Inputs carries prior-phase
// sections for the reasoning service; gathering services ignore it.
type Request struct {
	Subject string                     `json:"subject"`
	Params  map[string]string          `json:"params,omitempty"`
	Inputs  map[string]json.RawMessage `json:"inputs,omitempty"`
}

// Response is one upstream result. Payload is opaque to the engine.
type Response struct {
	Payload    json.RawMessage `json:"result"`
	Confidence float64         `json:"confidence"`
}

// Client is a single upstream service. Service returns the stable name
// used for circuit-breaker bucketing and error reporting.
type Client interface {
	Service() string
	Call(ctx context.Context, req Request) (Response, error)
}

// validate checks the decoded response against the wire contract.
func (r Response) validate(service string) error {
	if len(r.Payload) == 0 {
		return model.E(model.KindValidation, service, "upstream response missing result payload")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return model.E(model.KindValidation, service, "upstream confidence %.3f outside [0,1]", r.Confidence)
	}
	return nil
}
