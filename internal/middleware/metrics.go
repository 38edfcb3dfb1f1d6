package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"llm-gateway/internal/metrics"
	"llm-gateway/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records request count and
// latency per provider. Requests that never resolved a provider are labelled
// "none". Samples are recorded even when the handler aborts the connection.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()

				labels := []string{
					metrics.NormalizeMethod(c.Request().Method),
					strconv.Itoa(responseStatus(c, err)),
					metrics.NormalizePath(c.Request().URL.Path),
					providerLabel(c),
				}
				m.RequestsTotal.WithLabelValues(labels...).Inc()
				m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			}()

			return next(c)
		}
	}
}

func providerLabel(c echo.Context) string {
	if p, ok := c.Get(model.ProviderContextKey).(string); ok && p != "" {
		return p
	}
	return "none"
}

// responseStatus resolves the status the caller will see. When a handler
// returns an *echo.HTTPError the response has not been written yet; Echo's
// central error handler writes it after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	return c.Response().Status
}
