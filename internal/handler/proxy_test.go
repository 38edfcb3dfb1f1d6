package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"llm-gateway/internal/client"
	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/proxyerr"
	"llm-gateway/internal/relay"
	"llm-gateway/internal/service"
)

type testGateway struct {
	e       *echo.Echo
	proxy   *ProxyHandler
	metrics *metrics.Metrics
}

func newTestGateway(t *testing.T, overrides map[provider.ID]provider.Override, fallback provider.ID, timeoutSeconds int) *testGateway {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds: 5,
			TimeoutSeconds:        timeoutSeconds,
			IdleConnections:       10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	reg, err := provider.NewRegistry(overrides)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	res, err := provider.NewResolver(reg, "", fallback)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	uc := client.NewUpstreamClient(cfg, logger, m, nil)
	svc := service.NewProxyService(res, service.NewTransformer(""), uc, logger)
	proxy := NewProxyHandler(svc, relay.New(relay.Options{}), m, logger)
	health := NewHealthHandler(reg, res, "test")

	e := echo.New()
	e.Use(echomw.Recover())
	RegisterRoutes(e, cfg, m, proxy, health)

	return &testGateway{e: e, proxy: proxy, metrics: m}
}

func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func decodeError(t *testing.T, b []byte) proxyerr.Body {
	t.Helper()
	var body proxyerr.Body
	if err := json.Unmarshal(b, &body); err != nil {
		t.Fatalf("unmarshal error body %q: %v", b, err)
	}
	return body
}

func TestProxyHandler_Handle_JSONResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer sk-test")
		}
		if r.Header.Get("X-Provider") != "" {
			t.Error("selector header should not be forwarded upstream")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Ratelimit-Remaining-Tokens", "999")
		w.Header().Set("Set-Cookie", "__cf_bm=abc")
		_, _ = w.Write([]byte(`{"object":"chat.completion"}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.OpenAI: {BaseURL: upstream.URL},
	}, provider.OpenAI, 10)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("X-Provider", "OpenAI")
	rec := httptest.NewRecorder()
	c := gw.e.NewContext(req, rec)

	if err := gw.proxy.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"object":"chat.completion"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Ratelimit-Remaining-Tokens") != "999" {
		t.Error("expected rate limit header to be forwarded")
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("Set-Cookie should not be forwarded")
	}
	if got := c.Get("provider"); got != "openai" {
		t.Errorf("provider in context = %v, want openai", got)
	}
}

func TestProxyHandler_Handle_ErrorsBeforeUpstream(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.OpenAI:    {BaseURL: upstream.URL},
		provider.Anthropic: {BaseURL: upstream.URL},
	}, provider.OpenAI, 10)

	tests := []struct {
		name       string
		header     http.Header
		wantStatus int
		wantType   string
	}{
		{
			name:       "unknown provider",
			header:     http.Header{"X-Provider": {"bedrock"}, "Authorization": {"Bearer k"}},
			wantStatus: http.StatusBadRequest,
			wantType:   "unknown_provider",
		},
		{
			name:       "unusable provider",
			header:     http.Header{"X-Provider": {"cloudflare"}, "Authorization": {"Bearer k"}},
			wantStatus: http.StatusBadRequest,
			wantType:   "unknown_provider",
		},
		{
			name:       "missing credential on default provider",
			header:     http.Header{},
			wantStatus: http.StatusUnauthorized,
			wantType:   "missing_credential",
		},
		{
			name:       "missing credential on selected provider",
			header:     http.Header{"X-Provider": {"anthropic"}, "Authorization": {""}},
			wantStatus: http.StatusUnauthorized,
			wantType:   "missing_credential",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
			req.Header = tt.header
			rec := httptest.NewRecorder()
			gw.e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeError(t, rec.Body.Bytes())
			if body.Error.Type != tt.wantType {
				t.Errorf("error.type = %q, want %q", body.Error.Type, tt.wantType)
			}
			if body.Error.Message == "" {
				t.Error("error.message should not be empty")
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", hits.Load())
	}
	if got := counterValue(t, gw.metrics, "llm_gateway_proxy_errors_total",
		map[string]string{"provider": "none", "kind": "unknown_provider"}); got != 1 {
		t.Errorf("unknown_provider errors = %v, want 1", got)
	}
}

func TestProxyHandler_Handle_PathTraversalRejected(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.Cloudflare: {
			BaseURL: upstream.URL,
			APIKey:  "SERVER-TOKEN",
			Vars:    map[string]string{"account_id": "acct1"},
		},
	}, provider.OpenAI, 10)

	for _, target := range []string{
		"/v1/../../../../other-acct/secrets",
		"/v1/%2e%2e/%2e%2e/%2e%2e/%2e%2e/other-acct/secrets",
		"/v1/ai%2F..%2F..%2Fother-acct",
	} {
		t.Run(target, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
			req.Header.Set("X-Provider", "cloudflare")
			rec := httptest.NewRecorder()
			gw.e.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			body := decodeError(t, rec.Body.Bytes())
			if body.Error.Type != "invalid_request" {
				t.Errorf("error.type = %q, want invalid_request", body.Error.Type)
			}
			if strings.Contains(rec.Body.String(), "SERVER-TOKEN") {
				t.Error("error body leaked the configured key")
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", hits.Load())
	}
	if got := counterValue(t, gw.metrics, "llm_gateway_proxy_errors_total",
		map[string]string{"provider": "cloudflare", "kind": "invalid_request"}); got != 3 {
		t.Errorf("invalid_request errors = %v, want 3", got)
	}
}

func TestProxyHandler_Handle_UpstreamErrorPassthrough(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantBody   string
		wantType   string
	}{
		{
			name:       "rate limited with body",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"Rate limit reached"}}`,
			wantStatus: http.StatusTooManyRequests,
			wantBody:   `{"error":{"message":"Rate limit reached"}}`,
		},
		{
			name:       "upstream 401 relayed",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"Incorrect API key"}}`,
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"error":{"message":"Incorrect API key"}}`,
		},
		{
			name:       "empty 503 replaced by gateway error",
			status:     http.StatusServiceUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "upstream_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer upstream.Close()

			gw := newTestGateway(t, map[provider.ID]provider.Override{
				provider.OpenAI: {BaseURL: upstream.URL},
			}, provider.OpenAI, 10)

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
			req.Header.Set("Authorization", "Bearer k")
			rec := httptest.NewRecorder()
			gw.e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantType != "" {
				body := decodeError(t, rec.Body.Bytes())
				if body.Error.Type != tt.wantType {
					t.Errorf("error.type = %q, want %q", body.Error.Type, tt.wantType)
				}
				if body.Error.Provider != "openai" {
					t.Errorf("error.provider = %q, want openai", body.Error.Provider)
				}
			}
		})
	}
}

func TestProxyHandler_Handle_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.Groq: {BaseURL: url},
	}, provider.Groq, 10)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret-token-value")
	rec := httptest.NewRecorder()
	gw.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	body := decodeError(t, rec.Body.Bytes())
	if body.Error.Type != "upstream_unreachable" {
		t.Errorf("error.type = %q, want upstream_unreachable", body.Error.Type)
	}
	if strings.Contains(rec.Body.String(), "secret-token-value") {
		t.Error("credential leaked into error body")
	}
}

func TestProxyHandler_Handle_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.OpenAI: {BaseURL: upstream.URL},
	}, provider.OpenAI, 1)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()

	start := time.Now()
	gw.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout took %s, want about 1s", elapsed)
	}
	body := decodeError(t, rec.Body.Bytes())
	if body.Error.Type != "upstream_timeout" {
		t.Errorf("error.type = %q, want upstream_timeout", body.Error.Type)
	}
}

// sseUpstream serves n events, flushing after each one.
func sseUpstream(n int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := range n {
			// Split each event across two writes to exercise re-framing.
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok%d\"}}]}", i)
			flusher.Flush()
			_, _ = io.WriteString(w, "\n\n")
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

// readEvents reads SSE events from r until EOF or limit events.
func readEvents(t *testing.T, r *bufio.Reader, limit int) ([]string, error) {
	t.Helper()
	var events []string
	var cur strings.Builder
	for limit <= 0 || len(events) < limit {
		line, err := r.ReadString('\n')
		if err != nil {
			return events, err
		}
		if line == "\n" {
			events = append(events, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
	}
	return events, nil
}

func TestProxyHandler_Handle_StreamsSSE(t *testing.T) {
	upstream := httptest.NewServer(sseUpstream(5))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.Together: {BaseURL: upstream.URL},
	}, provider.OpenAI, 10)
	front := httptest.NewServer(gw.e)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodPost, front.URL+"/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	req.Header.Set("X-Provider", "together")
	req.Header.Set("Authorization", "Bearer k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	if resp.ContentLength != -1 {
		t.Errorf("ContentLength = %d, want unknown for an event stream", resp.ContentLength)
	}

	events, err := readEvents(t, bufio.NewReader(resp.Body), 0)
	if err != io.EOF {
		t.Fatalf("stream ended with %v, want clean EOF", err)
	}
	if len(events) != 6 {
		t.Fatalf("events = %d, want 6: %q", len(events), events)
	}
	for i := range 5 {
		want := fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":\"tok%d\"}}]}\n", i)
		if events[i] != want {
			t.Errorf("event %d = %q, want %q", i, events[i], want)
		}
	}
	if events[5] != "data: [DONE]\n" {
		t.Errorf("last event = %q, want [DONE]", events[5])
	}
}

func TestProxyHandler_Handle_UpstreamFailureAbortsConnection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.OpenAI: {BaseURL: upstream.URL},
	}, provider.OpenAI, 10)
	front := httptest.NewServer(gw.e)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodPost, front.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (already sent)", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected the truncated stream to end in an error, got clean EOF")
	}
	if string(b) != "data: first\n\n" {
		t.Errorf("relayed bytes = %q, want the first event", b)
	}

	// The handler records the failure before aborting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counterValue(t, gw.metrics, "llm_gateway_stream_failures_total",
			map[string]string{"provider": "openai", "side": "upstream"}) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected one upstream stream failure to be recorded")
}

func TestProxyHandler_Handle_ClientDisconnectCancelsUpstream(t *testing.T) {
	upstreamCanceled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := range 5 {
			if i == 2 {
				// Hold the remaining events until the caller goes away.
				select {
				case <-r.Context().Done():
					close(upstreamCanceled)
					return
				case <-time.After(5 * time.Second):
				}
			}
			fmt.Fprintf(w, "data: %d\n\n", i)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.Fireworks: {BaseURL: upstream.URL},
	}, provider.Fireworks, 30)
	front := httptest.NewServer(gw.e)
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, front.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer k")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	events, err := readEvents(t, bufio.NewReader(resp.Body), 2)
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamCanceled:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream call was not canceled after the caller disconnected")
	}
}
