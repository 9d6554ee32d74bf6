package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/senken/internal/auth"
	"github.com/ashita-ai/senken/internal/model"
	"github.com/ashita-ai/senken/internal/ratelimit"
	"github.com/ashita-ai/senken/internal/storage"
)

type fakeStore struct {
	jobs       map[uuid.UUID]model.Job
	enqueueErr error
	pingErr    error
	lastOwner  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[uuid.UUID]model.Job)}
}

func (s *fakeStore) EnqueueJob(_ context.Context, ownerID string, task model.TaskContext) (model.Job, error) {
	if s.enqueueErr != nil {
		return model.Job{}, s.enqueueErr
	}
	s.lastOwner = ownerID
	job := model.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Status:    model.JobStatusPending,
		Task:      task,
		CreatedAt: time.Now(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeStore) GetJob(_ context.Context, ownerID string, id uuid.UUID) (model.Job, error) {
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return model.Job{}, storage.ErrNotFound
	}
	return job, nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

type fakeRunner struct {
	res *model.CompositeResult
	err error
}

func (r *fakeRunner) Analyze(context.Context, model.TaskContext) (*model.CompositeResult, error) {
	return r.res, r.err
}

type fakeInvalidator struct {
	removed int
	err     error
	prefix  string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, prefix string) (int, error) {
	f.prefix = prefix
	return f.removed, f.err
}

type fakeIndex struct{ err error }

func (f *fakeIndex) Healthy(context.Context) error { return f.err }

const testAdminKey = "test-admin-key"

type testEnv struct {
	server *Server
	store  *fakeStore
	runner *fakeRunner
	inv    *fakeInvalidator
	index  *fakeIndex
	jwtMgr *auth.JWTManager
}

func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()

	jwtMgr, err := auth.NewJWTManager("test-secret-0123456789abcdef", time.Hour)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(testAdminKey)
	require.NoError(t, err)

	env := &testEnv{
		store:  newFakeStore(),
		runner: &fakeRunner{},
		inv:    &fakeInvalidator{},
		index:  &fakeIndex{},
		jwtMgr: jwtMgr,
	}
	cfg := ServerConfig{
		Store:               env.store,
		Runner:              env.runner,
		Invalidator:         env.inv,
		Index:               env.index,
		JWTMgr:              jwtMgr,
		Logger:              slog.New(slog.DiscardHandler),
		AdminKeyHash:        hash,
		MaxRequestBodyBytes: 1 << 20,
		Version:             "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.server = New(cfg)
	return env
}

func (e *testEnv) token(t *testing.T, ownerID string) string {
	t.Helper()
	token, _, err := e.jwtMgr.IssueToken(ownerID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func submitBody() model.SubmitRequest {
	return model.SubmitRequest{
		Subject: "ACME Corp",
		Modules: []model.Module{model.ModuleWebSearch, model.ModuleFinancials},
	}
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/auth/token", "",
		model.AuthTokenRequest{OwnerID: "owner-1", APIKey: testAdminKey})
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.AuthTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Greater(t, resp.ExpiresIn, 0)

	// The issued token must open an authenticated route.
	w = env.do(t, http.MethodGet, "/v1/analyses/"+uuid.NewString(), resp.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/auth/token", "",
		model.AuthTokenRequest{OwnerID: "owner-1", APIKey: "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeUnauthorized, resp.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestAuthTokenDisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.AdminKeyHash = "" })

	w := env.do(t, http.MethodPost, "/v1/auth/token", "",
		model.AuthTokenRequest{OwnerID: "owner-1", APIKey: testAdminKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/analyses", "", submitBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", nil)
	req.Header.Set("Authorization", "Basic abc123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = env.do(t, http.MethodPost, "/v1/analyses", "not-a-jwt", submitBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/analyses", env.token(t, "owner-1"), submitBody())
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp model.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.JobID)
	assert.Equal(t, model.JobStatusPending, resp.Status)
	assert.Equal(t, "owner-1", env.store.lastOwner)
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	env := newTestEnv(t, nil)

	body := submitBody()
	body.Modules = []model.Module{"astrology"}
	w := env.do(t, http.MethodPost, "/v1/analyses", env.token(t, "owner-1"), body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeInvalidInput, resp.Code)
	assert.Empty(t, env.store.jobs)
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/analyses", env.token(t, "owner-1"),
		map[string]any{"subject": "ACME", "modules": []string{"webSearch"}, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeSync(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runner.res = &model.CompositeResult{
		Subject:    "ACME Corp",
		Sections:   map[string]json.RawMessage{"webSearch": json.RawMessage(`{"hits":3}`)},
		Confidence: 0.8,
	}

	w := env.do(t, http.MethodPost, "/v1/analyses/sync", env.token(t, "owner-1"), submitBody())
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.CompositeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ACME Corp", resp.Subject)
	assert.InDelta(t, 0.8, resp.Confidence, 1e-9)
}

func TestAnalyzeSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", model.E(model.KindValidation, "", "subject is required"), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"all agents failed", model.E(model.KindAllAgentsFailed, "", "webSearch: boom"), http.StatusBadGateway, model.ErrCodeDegraded},
		{"timeout", model.E(model.KindTimeout, "", "deadline exceeded"), http.StatusGatewayTimeout, model.ErrCodeInternalError},
		{"internal", model.E(model.KindInternal, "", "boom"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.runner.err = tt.err

			w := env.do(t, http.MethodPost, "/v1/analyses/sync", env.token(t, "owner-1"), submitBody())
			require.Equal(t, tt.wantStatus, w.Code)

			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestGetJobOwnerScoped(t *testing.T) {
	env := newTestEnv(t, nil)

	job, err := env.store.EnqueueJob(context.Background(), "owner-1", submitBody().Task())
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/v1/analyses/"+job.ID.String(), env.token(t, "owner-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)

	// Another owner sees the same job as missing.
	w = env.do(t, http.MethodGet, "/v1/analyses/"+job.ID.String(), env.token(t, "owner-2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/v1/analyses/not-a-uuid", env.token(t, "owner-1"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.inv.removed = 7

	w := env.do(t, http.MethodPost, "/v1/cache/invalidate", env.token(t, "owner-1"),
		model.InvalidateRequest{Pattern: "task:ACME*"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp model.InvalidateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Removed)
	assert.Equal(t, "task:ACME", env.inv.prefix)

	w = env.do(t, http.MethodPost, "/v1/cache/invalidate", env.token(t, "owner-1"),
		model.InvalidateRequest{Pattern: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	env.store.pingErr = context.DeadlineExceeded
	w = env.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"ready":false`)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                { return nil }

func TestRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.Limiter = denyLimiter{} })

	w := env.do(t, http.MethodPost, "/v1/analyses", env.token(t, "owner-1"), submitBody())
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeRateLimited, resp.Code)

	// Health stays reachable when the limiter is saturated.
	w = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServerConfig) { cfg.MaxRequestBodyBytes = 64 })

	body := submitBody()
	body.Description = string(bytes.Repeat([]byte("x"), 256))
	w := env.do(t, http.MethodPost, "/v1/analyses", env.token(t, "owner-1"), body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

var _ ratelimit.Limiter = denyLimiter{}
