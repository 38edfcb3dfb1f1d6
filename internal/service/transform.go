package service

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"llm-gateway/internal/model"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/proxyerr"
)

// commonRequestHeaders are forwarded to every provider.
var commonRequestHeaders = []string{
	"Accept",
	"Content-Type",
}

const userAgent = "llm-gateway/1.0"

// apiPrefix is the inbound namespace every proxied path must stay within.
const apiPrefix = "/v1/"

// Transformer turns an inbound request into the provider-shaped outbound request.
// It holds no mutable state and is safe for concurrent use.
type Transformer struct {
	selector string
}

// NewTransformer creates a Transformer. selector is the provider selector
// header, which is never forwarded.
func NewTransformer(selector string) *Transformer {
	if selector == "" {
		selector = provider.DefaultSelectorHeader
	}
	return &Transformer{selector: http.CanonicalHeaderKey(selector)}
}

// Build derives the outbound request for d. The body is passed through
// untouched. A path that leaves /v1/ or carries dot segments fails with
// KindInvalidRequest; a request with no usable credential for a provider that
// does not allow anonymous access fails with KindMissingCredential.
func (t *Transformer) Build(in *model.InboundRequest, d *provider.Descriptor) (*model.OutboundRequest, error) {
	if err := checkPath(in.Path); err != nil {
		return nil, proxyerr.New(proxyerr.KindInvalidRequest, string(d.ID), err.Error(), nil)
	}

	header, err := t.buildHeader(in.Header, d)
	if err != nil {
		return nil, err
	}

	return &model.OutboundRequest{
		Provider:      string(d.ID),
		Method:        in.Method,
		URL:           buildURL(d, in.Path, in.RawQuery),
		Header:        header,
		ContentLength: in.ContentLength,
		Body:          in.Body,
	}, nil
}

// buildURL joins the provider base URL (path prefix included) with the
// rewritten inbound path. path is expected in escaped form.
func buildURL(d *provider.Descriptor, path, rawQuery string) string {
	u := d.BaseURL + d.RewritePath(path)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// checkPath rejects escaped paths that would not stay under apiPrefix once an
// upstream resolves them. Dot segments are refused in any encoding, including
// %2e and segments hidden behind an encoded slash.
func checkPath(escaped string) error {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return errors.New("malformed request path")
	}
	if !strings.HasPrefix(decoded, apiPrefix) {
		return fmt.Errorf("request path must start with %s", apiPrefix)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(decoded, "\\", "/"), "/") {
		if seg == "." || seg == ".." {
			return errors.New("request path must not contain dot segments")
		}
	}
	return nil
}

func (t *Transformer) buildHeader(src http.Header, d *provider.Descriptor) (http.Header, error) {
	policy := d.Headers
	dst := make(http.Header)

	copyHeader := func(key string) {
		if key == t.selector {
			return
		}
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = append([]string(nil), vals...)
		}
	}

	for _, key := range commonRequestHeaders {
		copyHeader(key)
	}
	for _, key := range policy.Forward {
		copyHeader(key)
	}

	hasCredential := false
	for _, key := range policy.Credentials {
		if src.Get(key) != "" {
			copyHeader(key)
			hasCredential = true
		}
	}
	if !hasCredential {
		for _, a := range policy.Aliases {
			if v := src.Get(a.From); v != "" {
				dst.Set(a.To, fmt.Sprintf(a.Format, v))
				hasCredential = true
				break
			}
		}
	}
	if !hasCredential && d.APIKey() != "" && policy.KeyHeader != "" {
		dst.Set(policy.KeyHeader, fmt.Sprintf(policy.KeyFormat, d.APIKey()))
		hasCredential = true
	}
	if !hasCredential && !d.AllowAnonymous {
		return nil, proxyerr.New(proxyerr.KindMissingCredential, string(d.ID),
			fmt.Sprintf("no credential supplied; send %s or configure an API key", credentialHint(d)), nil)
	}

	for key, val := range policy.Defaults {
		if dst.Get(key) == "" {
			dst.Set(key, val)
		}
	}

	dst.Set("User-Agent", userAgent)
	return dst, nil
}

func credentialHint(d *provider.Descriptor) string {
	hdrs := d.CredentialHeaders()
	if len(hdrs) == 0 {
		return "a credential header"
	}
	return hdrs[0]
}
