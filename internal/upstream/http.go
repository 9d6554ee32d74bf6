package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/senken/internal/model"
)

// HTTPClient is a JSON-over-HTTP upstream client. All four analysis
// services share this wire shape; only the endpoint and service name vary.
type HTTPClient struct {
	service    string
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient builds a client for one upstream endpoint. The timeout is
// a transport ceiling; per-call deadlines come from ctx.
func NewHTTPClient(service, url, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		service:    service,
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewWebSearch creates the web search client.
func NewWebSearch(url, apiKey string, timeout time.Duration) *HTTPClient {
	return NewHTTPClient(string(model.ModuleWebSearch), url, apiKey, timeout)
}

// NewMarketTrend creates the market trend client.
func NewMarketTrend(url, apiKey string, timeout time.Duration) *HTTPClient {
	return NewHTTPClient(string(model.ModuleMarketTrend), url, apiKey, timeout)
}

// NewFinancialData creates the financial data client.
func NewFinancialData(url, apiKey string, timeout time.Duration) *HTTPClient {
	return NewHTTPClient(string(model.ModuleFinancials), url, apiKey, timeout)
}

// NewReasoning creates the reasoning client used by the sequential phase.
func NewReasoning(url, apiKey string, timeout time.Duration) *HTTPClient {
	return NewHTTPClient("reasoning", url, apiKey, timeout)
}

// Service returns the stable name used for breaker bucketing.
func (c *HTTPClient) Service() string {
	return c.service
}

// Call POSTs the request and decodes the response. Network failures,
// 5xx, and 429 map to kind Upstream (retryable); other non-2xx statuses
// and contract violations map to kind Validation; a dead ctx maps to
// kind Timeout.
func (c *HTTPClient) Call(ctx context.Context, req Request) (Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return Response{}, model.Wrap(model.KindInternal, c.service, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return Response{}, model.Wrap(model.KindInternal, c.service, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Response{}, model.Wrap(model.KindTimeout, c.service, err)
		}
		return Response{}, model.Wrap(model.KindUpstream, c.service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, model.Wrap(model.KindUpstream, c.service, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, model.E(model.KindUpstream, c.service, "upstream status %d: %s", resp.StatusCode, truncate(body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, model.E(model.KindValidation, c.service, "upstream rejected request with status %d: %s", resp.StatusCode, truncate(body))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, model.E(model.KindValidation, c.service, "undecodable upstream response: %v", err)
	}
	if err := out.validate(c.service); err != nil {
		return Response{}, err
	}
	return out, nil
}

// truncate bounds error messages so a huge upstream body cannot flood logs.
func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "…"
	}
	return string(body)
}
