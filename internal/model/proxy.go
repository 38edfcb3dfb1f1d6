// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net/http"
)

// InboundRequest is a caller request as received by the gateway.
type InboundRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// OutboundRequest is the provider-shaped request derived from an InboundRequest.
type OutboundRequest struct {
	Provider      string
	Method        string
	URL           string
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	Provider   string
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProviderContextKey is the echo context key holding the resolved provider ID.
const ProviderContextKey = "provider"
