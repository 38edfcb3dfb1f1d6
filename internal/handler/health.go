package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"llm-gateway/internal/provider"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	registry *provider.Registry
	resolver *provider.Resolver
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(reg *provider.Registry, res *provider.Resolver, v Version) *HealthHandler {
	return &HealthHandler{registry: reg, resolver: res, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the gateway status endpoint.
type StatusResponse struct {
	Status          string           `json:"status"`
	Version         string           `json:"version"`
	DefaultProvider string           `json:"default_provider"`
	ProviderHeader  string           `json:"provider_header"`
	Providers       []ProviderStatus `json:"providers"`
}

// ProviderStatus describes one registered provider. Credentials are reported
// only as present or absent.
type ProviderStatus struct {
	ID        string `json:"id"`
	BaseURL   string `json:"base_url"`
	Usable    bool   `json:"usable"`
	HasAPIKey bool   `json:"has_api_key"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	ids := h.registry.Providers()
	providers := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		d, _ := h.registry.Lookup(id)
		providers = append(providers, ProviderStatus{
			ID:        string(id),
			BaseURL:   d.BaseURL,
			Usable:    h.registry.Usable(id) == nil,
			HasAPIKey: d.APIKey() != "",
			Anonymous: d.AllowAnonymous,
		})
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:          "ok",
		Version:         string(h.version),
		DefaultProvider: string(h.resolver.Default()),
		ProviderHeader:  h.resolver.Header(),
		Providers:       providers,
	})
}
