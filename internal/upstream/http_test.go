package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/senken/internal/model"
)

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Acme Corp", req.Subject)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"summary":"ok"},"confidence":0.87}`))
	}))
	defer srv.Close()

	c := NewWebSearch(srv.URL, "sekrit", time.Second)
	resp, err := c.Call(context.Background(), Request{Subject: "Acme Corp"})
	require.NoError(t, err)
	assert.InDelta(t, 0.87, resp.Confidence, 1e-9)
	assert.JSONEq(t, `{"summary":"ok"}`, string(resp.Payload))
}

func TestCallStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind model.Kind
	}{
		{"server error", http.StatusInternalServerError, model.KindUpstream},
		{"bad gateway", http.StatusBadGateway, model.KindUpstream},
		{"throttled", http.StatusTooManyRequests, model.KindUpstream},
		{"bad request", http.StatusBadRequest, model.KindValidation},
		{"unauthorized", http.StatusUnauthorized, model.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewMarketTrend(srv.URL, "", time.Second)
			_, err := c.Call(context.Background(), Request{Subject: "Acme Corp"})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, model.KindOf(err))
		})
	}
}

func TestCallSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing result", `{"confidence":0.5}`},
		{"confidence above one", `{"result":{},"confidence":1.5}`},
		{"negative confidence", `{"result":{},"confidence":-0.1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewFinancialData(srv.URL, "", time.Second)
			_, err := c.Call(context.Background(), Request{Subject: "Acme Corp"})
			require.Error(t, err)
			assert.Equal(t, model.KindValidation, model.KindOf(err))
		})
	}
}

func TestCallNetworkError(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewReasoning(srv.URL, "", time.Second)
	_, err := c.Call(context.Background(), Request{Subject: "Acme Corp"})
	require.Error(t, err)
	assert.Equal(t, model.KindUpstream, model.KindOf(err))
}

func TestCallContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client abort and
		// cancels the request context; otherwise Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewReasoning(srv.URL, "", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, Request{Subject: "Acme Corp"})
	require.Error(t, err)
	assert.Equal(t, model.KindTimeout, model.KindOf(err))
}

func TestServiceNames(t *testing.T) {
	assert.Equal(t, "webSearch", NewWebSearch("", "", time.Second).Service())
	assert.Equal(t, "marketTrend", NewMarketTrend("", "", time.Second).Service())
	assert.Equal(t, "financials", NewFinancialData("", "", time.Second).Service())
	assert.Equal(t, "reasoning", NewReasoning("", "", time.Second).Service())
}
