package handler

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"llm-gateway/internal/metrics"
	"llm-gateway/internal/model"
	"llm-gateway/internal/proxyerr"
	"llm-gateway/internal/relay"
	"llm-gateway/internal/service"
)

// ProxyHandler forwards caller requests to the selected provider and streams
// the response back.
type ProxyHandler struct {
	service *service.ProxyService
	relay   *relay.Relay
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, r *relay.Relay, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		relay:   r,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request. Failures before the response starts are written
// as a JSON error. Once the status line is sent, an upstream failure aborts the
// connection so the caller sees a truncated response rather than a clean end.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	d, err := h.service.Resolve(req.Header)
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(model.ProviderContextKey, string(d.ID))

	in := &model.InboundRequest{
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	resp, err := h.service.Forward(req.Context(), in, d)
	if err != nil {
		return h.writeError(c, err)
	}
	body := resp.Body
	defer func() { _ = body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		h.countError(resp.Provider, proxyerr.KindUpstreamError)
		h.logger.Warn("upstream error status",
			"provider", resp.Provider,
			"status", resp.StatusCode,
			"path", req.URL.Path,
		)

		br := bufio.NewReader(body)
		if _, perr := br.Peek(1); perr != nil {
			if errors.Is(perr, io.EOF) {
				return h.writeError(c, proxyerr.Upstream(resp.Provider, resp.StatusCode))
			}
			return h.writeError(c, beforeFirstByte(resp.Provider, perr))
		}
		body = readCloser{Reader: br, Closer: body}
	}

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	c.Response().Flush()

	framing := relay.FramingFor(resp.Header.Get(echo.HeaderContentType))
	res, err := h.relay.Copy(req.Context(), c.Response(), body, framing)
	if h.metrics != nil {
		h.metrics.RelayedBytes.WithLabelValues(resp.Provider).Add(float64(res.Bytes))
	}
	if err == nil {
		return nil
	}

	side := "upstream"
	var we *relay.WriteError
	if errors.As(err, &we) || req.Context().Err() != nil {
		side = "caller"
	}
	if h.metrics != nil {
		h.metrics.StreamFailures.WithLabelValues(resp.Provider, side).Inc()
	}
	h.logger.Warn("stream interrupted",
		"provider", resp.Provider,
		"side", side,
		"framing", framing.String(),
		"bytes", res.Bytes,
		"err", proxyerr.Sanitize(err),
		"path", req.URL.Path,
	)

	if side == "upstream" {
		h.countError(resp.Provider, proxyerr.KindStreamingFailure)
		// Abort without the chunked terminator so the caller cannot mistake
		// the truncated body for a complete one.
		panic(http.ErrAbortHandler)
	}
	return nil
}

func (h *ProxyHandler) writeError(c echo.Context, err error) error {
	status, body := proxyerr.Map(err)

	attrs := []any{
		"err", proxyerr.Sanitize(err),
		"kind", body.Error.Type,
		"status", status,
		"provider", body.Error.Provider,
		"path", c.Request().URL.Path,
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error", attrs...)
	} else {
		h.logger.Warn("proxy error", attrs...)
	}

	if body.Error.Type != proxyerr.KindUpstreamError.String() {
		h.countError(body.Error.Provider, proxyerr.KindOf(err))
	}
	return c.JSON(status, body)
}

func (h *ProxyHandler) countError(provider string, kind proxyerr.Kind) {
	if h.metrics == nil {
		return
	}
	if provider == "" {
		provider = "none"
	}
	h.metrics.ProxyErrors.WithLabelValues(provider, kind.String()).Inc()
}

// beforeFirstByte classifies a body read failure that happened before anything
// was sent to the caller.
func beforeFirstByte(provider string, err error) error {
	if proxyerr.KindOf(err) != 0 {
		return err
	}
	return proxyerr.New(proxyerr.KindUpstreamUnreachable, provider, "upstream response body failed", err)
}

type readCloser struct {
	io.Reader
	io.Closer
}
