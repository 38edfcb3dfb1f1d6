package provider

import (
	"fmt"
	"net/http"

	"llm-gateway/internal/proxyerr"
)

// DefaultSelectorHeader is the request header naming the target provider.
const DefaultSelectorHeader = "X-Provider"

// Resolver picks the provider for an inbound request.
type Resolver struct {
	registry *Registry
	header   string
	fallback ID
}

// NewResolver creates a Resolver. The fallback provider applies only when the
// selector header is absent or empty; it must be registered and usable.
func NewResolver(r *Registry, header string, fallback ID) (*Resolver, error) {
	if header == "" {
		header = DefaultSelectorHeader
	}
	if err := r.Usable(fallback); err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	return &Resolver{
		registry: r,
		header:   http.CanonicalHeaderKey(header),
		fallback: fallback,
	}, nil
}

// Header returns the canonical selector header name.
func (s *Resolver) Header() string {
	return s.header
}

// Default returns the fallback provider ID.
func (s *Resolver) Default() ID {
	return s.fallback
}

// Resolve returns the descriptor selected by the request headers. An explicit
// selector that is not a known, usable provider is an error; it never falls
// back to the default.
func (s *Resolver) Resolve(header http.Header) (*Descriptor, error) {
	raw := header.Get(s.header)
	id := s.fallback
	if raw != "" {
		parsed, ok := ParseID(raw)
		if !ok {
			return nil, proxyerr.New(proxyerr.KindUnknownProvider, "",
				fmt.Sprintf("unknown provider %q in %s header", raw, s.header), nil)
		}
		id = parsed
	}

	if err := s.registry.Usable(id); err != nil {
		return nil, proxyerr.New(proxyerr.KindUnknownProvider, string(id), "provider is not configured", err)
	}
	d, ok := s.registry.Lookup(id)
	if !ok {
		return nil, proxyerr.New(proxyerr.KindUnknownProvider, string(id), "provider is not registered", nil)
	}
	return d, nil
}
