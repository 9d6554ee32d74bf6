package senken

import "encoding/json"

// UpstreamRequest is the input passed to an UpstreamClient call.
type UpstreamRequest struct {
	// Subject is what the analysis is about.
	Subject string
	// Params are caller-supplied string parameters forwarded verbatim.
	Params map[string]string
	// Inputs carry phase-one section payloads for reasoning services;
	// nil for gathering calls.
	Inputs map[string]json.RawMessage
}

// UpstreamResponse is the structured result an UpstreamClient must return.
type UpstreamResponse struct {
	// Payload is the section content, merged into the composite result.
	Payload json.RawMessage
	// Confidence is the service's self-reported score in [0, 1].
	Confidence float64
}
