package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/senken/internal/auth"
	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/storage"
)

// Store is the subset of storage the HTTP handlers need.
type Store interface {
	EnqueueJob(ctx context.Context, ownerID string, task model.TaskContext) (model.Job, error)
	GetJob(ctx context.Context, ownerID string, id uuid.UUID) (model.Job, error)
	Ping(ctx context.Context) error
}

// Runner executes a full analysis synchronously.
type Runner interface {
	Analyze(ctx context.Context, task model.TaskContext) (*model.CompositeResult, error)
}

// Invalidator drops cached entries by key prefix and reports how many were
// removed. *cache.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, prefix string) (int, error)
}

// HealthChecker reports whether a backing service is reachable.
// search.Index satisfies it for the semantic tier.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	runner              Runner
	invalidator         Invalidator
	jwtMgr              *auth.JWTManager
	index               HealthChecker // nil when the semantic tier is disabled
	adminKeyHash        string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Index. An empty AdminKeyHash disables token issuance.
type HandlersDeps struct {
	Store               Store
	Runner              Runner
	Invalidator         Invalidator
	JWTMgr              *auth.JWTManager
	Index               HealthChecker
	AdminKeyHash        string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		runner:              d.Runner,
		invalidator:         d.Invalidator,
		jwtMgr:              d.JWTMgr,
		index:               d.Index,
		adminKeyHash:        d.AdminKeyHash,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /v1/auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OwnerID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "owner_id and api_key are required")
		return
	}

	if h.adminKeyHash == "" {
		// No key configured. Burn the same time as a real verification so
		// the two cases are indistinguishable to a caller.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.adminKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.OwnerID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresIn: int(time.Until(expiresAt).Seconds()),
	})
}

// HandleSubmit handles POST /v1/analyses. The task is validated up front so
// a bad request never occupies a queue slot.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.SubmitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task := req.Task()
	if err := task.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	job, err := h.store.EnqueueJob(r.Context(), claims.OwnerID, task)
	if err != nil {
		h.writeInternalError(w, r, "failed to enqueue job", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.SubmitResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// HandleAnalyzeSync handles POST /v1/analyses/sync. The request runs inside
// the HTTP request context, so the server's write timeout bounds it.
func (h *Handlers) HandleAnalyzeSync(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.runner.Analyze(r.Context(), req.Task())
	if err != nil {
		switch model.KindOf(err) {
		case model.KindValidation:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case model.KindAllAgentsFailed:
			writeError(w, r, http.StatusBadGateway, model.ErrCodeDegraded,
				"every data source failed for this analysis; retry once the upstream services recover")
		case model.KindTimeout:
			writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeInternalError, "the analysis did not finish in time")
		default:
			h.writeInternalError(w, r, "analysis failed", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleGetJob handles GET /v1/analyses/{id}. Jobs are owner-scoped: a job
// belonging to another owner is indistinguishable from a missing one.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job id")
		return
	}

	job, err := h.store.GetJob(r.Context(), claims.OwnerID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
			return
		}
		h.writeInternalError(w, r, "failed to load job", err)
		return
	}

	writeJSON(w, r, http.StatusOK, job)
}

// HandleInvalidate handles POST /v1/cache/invalidate.
func (h *Handlers) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req model.InvalidateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	prefix := strings.TrimSuffix(req.Pattern, "*")
	if prefix == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "pattern is required")
		return
	}

	removed, err := h.invalidator.Invalidate(r.Context(), prefix)
	if err != nil {
		h.writeInternalError(w, r, "cache invalidation failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.InvalidateResponse{Removed: removed})
}

// HandleHealthz handles GET /healthz: process liveness only.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HandleReadyz handles GET /readyz: checks the backing services a request
// would actually touch.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if h.index != nil {
		if err := h.index.Healthy(ctx); err != nil {
			checks["search"] = err.Error()
			ready = false
		} else {
			checks["search"] = "ok"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, map[string]any{"ready": ready, "checks": checks})
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
