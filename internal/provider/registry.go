package provider

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Override carries per-provider settings from configuration.
type Override struct {
	BaseURL string
	APIKey  string
	Vars    map[string]string
}

// Registry is the read-only provider table. It is built once at startup and is
// safe for concurrent use without locking.
type Registry struct {
	descriptors map[ID]*Descriptor
}

// NewRegistry builds the registry from the static provider table, applying
// configuration overrides. Unknown IDs, invalid base URLs and missing path
// template variables are reported as errors.
func NewRegistry(overrides map[ID]Override) (*Registry, error) {
	table := staticTable()
	for id := range overrides {
		if _, ok := table[id]; !ok {
			return nil, fmt.Errorf("provider %q: unknown provider", id)
		}
	}

	r := &Registry{descriptors: make(map[ID]*Descriptor, len(table))}
	for id, d := range table {
		ov := overrides[id]
		if ov.BaseURL != "" {
			d.BaseURL = ov.BaseURL
		}
		d.BaseURL = strings.TrimRight(d.BaseURL, "/")
		if err := validateBaseURL(d.BaseURL); err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		d.apiKey = ov.APIKey
		d.vars = make(map[string]string, len(ov.Vars))
		for k, v := range ov.Vars {
			d.vars[k] = v
		}
		d.Headers.canonical()

		desc := d
		r.descriptors[id] = &desc
	}
	return r, nil
}

// Lookup returns the descriptor registered for id.
func (r *Registry) Lookup(id ID) (*Descriptor, bool) {
	d, ok := r.descriptors[id]
	return d, ok
}

// Usable reports whether a provider can serve requests: every path template
// variable it needs has been configured.
func (r *Registry) Usable(id ID) error {
	d, ok := r.descriptors[id]
	if !ok {
		return fmt.Errorf("provider %q: unknown provider", id)
	}
	for _, v := range d.RequiredVars {
		if d.vars[v] == "" {
			return fmt.Errorf("provider %q: missing required var %q", id, v)
		}
	}
	return nil
}

// Providers lists the registered provider IDs in display order.
func (r *Registry) Providers() []ID {
	out := make([]ID, 0, len(r.descriptors))
	for _, id := range IDs {
		if _, ok := r.descriptors[id]; ok {
			out = append(out, id)
		}
	}
	return slices.Clip(out)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("base_url must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url has no host: %q", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("base_url must not carry a query or fragment: %q", raw)
	}
	return nil
}
