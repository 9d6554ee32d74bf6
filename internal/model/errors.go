package model

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Agents fold every internal error into
// one of these kinds; kinds drive retry eligibility and user-facing wording.
type Kind string

const (
	// KindTimeout means an agent or call exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCircuitOpen means the upstream service is currently suspended
	// by its circuit breaker; no network attempt was made.
	KindCircuitOpen Kind = "circuit_open"
	// KindRetriesExhausted means a transient upstream failure persisted
	// past the retry budget.
	KindRetriesExhausted Kind = "retries_exhausted"
	// KindValidation means the upstream returned data that failed the
	// structured-output contract.
	KindValidation Kind = "validation"
	// KindUpstream is a transient upstream failure (network error, 5xx,
	// rate limit). Retryable.
	KindUpstream Kind = "upstream"
	// KindAllAgentsFailed means no gathering agent produced usable data;
	// the only kind that escapes the orchestrator as a hard failure.
	KindAllAgentsFailed Kind = "all_agents_failed"
	// KindInternal is an unclassified internal failure.
	KindInternal Kind = "internal"
)

// Error is a kinded pipeline error. Service names it for breaker bucketing
// when the failure came from an upstream call.
type Error struct {
	Kind    Kind
	Service string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Service, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind Kind, service, format string, args ...any) *Error {
	return &Error{Kind: kind, Service: service, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a kinded error around an underlying cause.
func Wrap(kind Kind, service string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Service: service, Msg: err.Error(), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns KindInternal for nil-kind or foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage renders a failure kind in plain terms suitable for the
// degraded-sections list, never raw exception text.
func UserMessage(kind Kind, service string) string {
	switch kind {
	case KindTimeout:
		return "the lookup did not finish in time"
	case KindCircuitOpen:
		return fmt.Sprintf("the %s service is temporarily unavailable", service)
	case KindRetriesExhausted:
		return fmt.Sprintf("the %s service kept failing despite retries", service)
	case KindValidation:
		return fmt.Sprintf("the %s service returned data we could not interpret", service)
	case KindUpstream:
		return fmt.Sprintf("the %s service returned an error", service)
	default:
		return "an internal error interrupted this section"
	}
}
