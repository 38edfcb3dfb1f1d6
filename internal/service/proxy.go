// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"llm-gateway/internal/client"
	"llm-gateway/internal/model"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/relay"
)

// forwardableResponseHeaders are the response headers returned to every caller.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Retry-After":      true,
	"Request-Id":       true,
}

// upstreamRequestIDHeader carries the upstream X-Request-Id, since the
// gateway's own request ID occupies X-Request-Id.
const upstreamRequestIDHeader = "X-Upstream-Request-Id"

// ProxyService resolves, transforms and forwards caller requests.
type ProxyService struct {
	resolver    *provider.Resolver
	transformer *Transformer
	client      *client.UpstreamClient
	logger      *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(r *provider.Resolver, t *Transformer, c *client.UpstreamClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		resolver:    r,
		transformer: t,
		client:      c,
		logger:      logger.With("component", "proxy_service"),
	}
}

// Resolve returns the provider selected by the request headers.
func (s *ProxyService) Resolve(header http.Header) (*provider.Descriptor, error) {
	return s.resolver.Resolve(header)
}

// Forward sends the inbound request to provider d and returns as soon as the
// upstream response headers arrive. The caller must close the response body.
//
// Upstream error statuses are not turned into errors here; the response is
// returned as-is so its status and body can be passed through.
func (s *ProxyService) Forward(ctx context.Context, in *model.InboundRequest, d *provider.Descriptor) (*model.ProxyResponse, error) {
	out, err := s.transformer.Build(in, d)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"provider", d.ID,
		"method", in.Method,
		"path", in.Path,
	)

	resp, err := s.client.Do(ctx, out)
	if err != nil {
		return nil, err
	}

	resp.Header = filterResponseHeaders(resp.Header, d)
	return resp, nil
}

func filterResponseHeaders(src http.Header, d *provider.Descriptor) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if key == "X-Request-Id" {
			dst[upstreamRequestIDHeader] = vals
			continue
		}
		if forwardableResponseHeaders[key] || hasAnyPrefix(key, d.Headers.ResponsePrefixes) {
			dst[key] = vals
		}
	}

	if relay.FramingFor(dst.Get("Content-Type")) == relay.SSE {
		dst.Del("Content-Length")
		dst.Set("Cache-Control", "no-cache")
		dst.Set("X-Accel-Buffering", "no")
	}
	return dst
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, http.CanonicalHeaderKey(p)) {
			return true
		}
	}
	return false
}
