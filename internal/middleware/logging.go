// Package middleware provides Echo middleware for logging, metrics, tracing
// and edge protection.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"llm-gateway/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The provider attribute is present once the proxy handler has resolved one.
// The line is also written when the handler panics, including the deliberate
// abort of a failed stream; the panic then continues to the Recover middleware.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()

			defer func() {
				r := recover()

				req := c.Request()
				res := c.Response()
				status := responseStatus(c, err)
				if r != nil && !res.Committed {
					status = http.StatusInternalServerError
				}

				attrs := []any{
					"method", req.Method,
					"path", req.URL.Path,
					"status", status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				}
				if p, ok := c.Get(model.ProviderContextKey).(string); ok {
					attrs = append(attrs, "provider", p)
				}
				if sc := trace.SpanContextFromContext(req.Context()); sc.HasTraceID() {
					attrs = append(attrs, "trace_id", sc.TraceID().String())
				}

				level := slog.LevelInfo
				if status >= 500 {
					level = slog.LevelWarn
				}
				if r != nil {
					attrs = append(attrs, "aborted", true)
					level = slog.LevelWarn
				}
				logger.Log(req.Context(), level, "request", attrs...)

				if r != nil {
					panic(r)
				}
			}()

			return next(c)
		}
	}
}
