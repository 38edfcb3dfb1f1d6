package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"llm-gateway/internal/provider"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, map[provider.ID]provider.Override{
		provider.OpenAI: {BaseURL: upstream.URL},
	}, provider.OpenAI, 10)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /gateway/status", http.MethodGet, "/gateway/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"POST /v1/chat/completions", http.MethodPost, "/v1/chat/completions", http.StatusOK},
		{"POST /v1/embeddings", http.MethodPost, "/v1/embeddings", http.StatusOK},
		{"GET /v1/models with query", http.MethodGet, "/v1/models?limit=5", http.StatusOK},
		{"DELETE /v1/files/abc", http.MethodDelete, "/v1/files/abc", http.StatusOK},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
		{"GET /v2 returns 404", http.MethodGet, "/v2/chat/completions", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			req.Header.Set("Authorization", "Bearer k")
			rec := httptest.NewRecorder()
			gw.e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsExposeGatewayCounters(t *testing.T) {
	gw := newTestGateway(t, nil, provider.OpenAI, 10)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", http.NoBody)
	req.Header.Set("X-Provider", "nope")
	gw.e.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	gw.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `llm_gateway_proxy_errors_total{kind="unknown_provider",provider="none"} 1`) {
		t.Errorf("metrics output missing proxy error counter:\n%s", rec.Body.String())
	}
}
