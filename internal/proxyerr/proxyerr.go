// Package proxyerr defines the gateway error taxonomy and maps it onto HTTP
// responses with a stable JSON shape.
package proxyerr

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindUnknownProvider Kind = iota + 1
	KindMissingCredential
	KindUpstreamUnreachable
	KindUpstreamTimeout
	KindUpstreamError
	KindStreamingFailure
	// KindCanceled marks a caller that went away before the response started.
	KindCanceled
	// KindInvalidRequest marks an inbound request the gateway refuses to forward.
	KindInvalidRequest
)

// StatusClientClosedRequest is the non-standard status logged for requests
// abandoned by the caller.
const StatusClientClosedRequest = 499

var kindNames = map[Kind]string{
	KindUnknownProvider:     "unknown_provider",
	KindMissingCredential:   "missing_credential",
	KindUpstreamUnreachable: "upstream_unreachable",
	KindUpstreamTimeout:     "upstream_timeout",
	KindUpstreamError:       "upstream_error",
	KindStreamingFailure:    "streaming_failure",
	KindCanceled:            "canceled",
	KindInvalidRequest:      "invalid_request",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	// Status is the upstream status code for KindUpstreamError, zero otherwise.
	Status int
	// Provider is the provider involved, empty when resolution failed.
	Provider string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("provider %q: %s", e.Provider, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same Kind, so callers can write
// errors.Is(err, &proxyerr.Error{Kind: proxyerr.KindUpstreamTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an Error of the given kind.
func New(kind Kind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// Upstream returns a KindUpstreamError carrying the upstream status.
func Upstream(provider string, status int) *Error {
	return &Error{
		Kind:     KindUpstreamError,
		Status:   status,
		Provider: provider,
		Message:  "upstream returned an error status",
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Body is the JSON error document returned to callers.
type Body struct {
	Error Detail `json:"error"`
}

// Detail is the payload of Body.
type Detail struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// Map converts err into the status code and body written to the caller.
// Errors outside the taxonomy are reported as a generic upstream failure.
// StreamingFailure never reaches a caller as a response; it is mapped for
// completeness only.
func Map(err error) (int, Body) {
	var pe *Error
	if !errors.As(err, &pe) {
		return http.StatusBadGateway, Body{Error: Detail{Type: "internal", Message: "upstream request failed"}}
	}

	var status int
	switch pe.Kind {
	case KindUnknownProvider, KindInvalidRequest:
		status = http.StatusBadRequest
	case KindMissingCredential:
		status = http.StatusUnauthorized
	case KindUpstreamUnreachable, KindStreamingFailure:
		status = http.StatusBadGateway
	case KindUpstreamTimeout:
		status = http.StatusGatewayTimeout
	case KindUpstreamError:
		status = pe.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
	case KindCanceled:
		status = StatusClientClosedRequest
	default:
		status = http.StatusBadGateway
	}

	return status, Body{Error: Detail{
		Type:     pe.Kind.String(),
		Message:  pe.Message,
		Provider: pe.Provider,
	}}
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`),
	regexp.MustCompile(`(?i)((?:api_?key|key|token)=)[^&\s"]+`),
}

// Sanitize renders err with credential material redacted, for logging.
func Sanitize(err error) string {
	s := err.Error()
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}
