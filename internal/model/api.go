package model

import (
	"github.com/google/uuid"
)

// SubmitRequest is the body of POST /v1/analyses and /v1/analyses/sync.
type SubmitRequest struct {
	Subject     string            `json:"subject"`
	Modules     []Module          `json:"modules"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Task converts the request into an immutable TaskContext.
func (r SubmitRequest) Task() TaskContext {
	return TaskContext{
		Subject:     r.Subject,
		Modules:     r.Modules,
		Params:      r.Params,
		Description: r.Description,
	}
}

// SubmitResponse is returned by POST /v1/analyses.
type SubmitResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

// InvalidateRequest is the body of POST /v1/cache/invalidate.
type InvalidateRequest struct {
	// Pattern matches cache keys by prefix; a trailing "*" widens the match.
	Pattern string `json:"pattern"`
}

// InvalidateResponse reports how many entries were dropped across tiers.
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	OwnerID string `json:"owner_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse carries the issued bearer token.
type AuthTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeDegraded      = "ALL_AGENTS_FAILED"
)
