// Package client provides the pooled upstream HTTP client shared by all providers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/model"
	"llm-gateway/internal/proxyerr"
	"llm-gateway/internal/tracing"
)

// ErrProgressTimeout is the cancellation cause recorded when the upstream makes
// no progress within the configured timeout.
var ErrProgressTimeout = errors.New("upstream made no progress within timeout")

// UpstreamClient sends requests to upstream providers over a shared connection pool.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The pool has no per-host connection cap, so a request stuck on a slow
// upstream never blocks checkout for other requests. There is no overall
// client timeout; progress is bounded per wait instead.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp *tracing.Provider) *UpstreamClient {
	connect := cfg.Upstream.ConnectTimeout()
	timeout := cfg.Upstream.Timeout()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer(tracing.TracerName)
	if tp != nil {
		tracer = tp.Tracer()
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects would replay a body that has already been consumed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		tracer:  tracer,
	}
}

// Do executes the outbound request and returns as soon as response headers
// arrive. The returned body is a live stream; the caller must close it.
// Cancelling ctx (e.g. client disconnect) aborts the upstream call at any
// point, including mid-body. Failures are returned as *proxyerr.Error.
func (c *UpstreamClient) Do(ctx context.Context, out *model.OutboundRequest) (*model.ProxyResponse, error) {
	parent := ctx
	ctx, cancel := context.WithCancelCause(ctx)

	ctx, span := c.tracer.Start(ctx, "upstream "+out.Provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", out.Provider),
			attribute.String("http.request.method", out.Method),
			attribute.String("url.full", spanURL(out.URL)),
		),
	)

	body := out.Body
	if body == nil || out.ContentLength == 0 {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, body)
	if err != nil {
		span.End()
		cancel(nil)
		return nil, proxyerr.New(proxyerr.KindUpstreamUnreachable, out.Provider, "invalid upstream request", err)
	}
	req.Header = out.Header
	if body != http.NoBody {
		req.ContentLength = out.ContentLength
	}

	c.logger.Debug("upstream request",
		"provider", out.Provider,
		"method", out.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	wd := newWatchdog(c.timeout, cancel)
	start := time.Now()
	wd.arm()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	wd.disarm()
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(out.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(out.Provider, method).Observe(duration)
	}

	if err != nil {
		perr := classify(ctx, parent, out.Provider, err)
		span.RecordError(withoutQuery(err))
		span.SetStatus(codes.Error, perr.Kind.String())
		span.End()
		cancel(nil)
		return nil, perr
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(out.Provider, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		Provider:   out.Provider,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &watchedBody{
			rc:       resp.Body,
			ctx:      ctx,
			provider: out.Provider,
			timeout:  c.timeout,
			wd:       wd,
			cancel:   cancel,
			span:     span,
		},
	}, nil
}

// classify turns a transport error into the gateway taxonomy.
func classify(ctx, parent context.Context, provider string, err error) *proxyerr.Error {
	if errors.Is(context.Cause(ctx), ErrProgressTimeout) {
		return proxyerr.New(proxyerr.KindUpstreamTimeout, provider, "upstream request timed out", err)
	}
	if parent.Err() != nil {
		return proxyerr.New(proxyerr.KindCanceled, provider, "client disconnected", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return proxyerr.New(proxyerr.KindUpstreamTimeout, provider, "upstream request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxyerr.New(proxyerr.KindUpstreamTimeout, provider, "upstream request timed out", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return proxyerr.New(proxyerr.KindUpstreamUnreachable, provider, "upstream host unreachable", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return proxyerr.New(proxyerr.KindUpstreamUnreachable, provider, "upstream connection failed", err)
	}
	return proxyerr.New(proxyerr.KindUpstreamUnreachable, provider, "upstream request failed", err)
}

// watchdog cancels the upstream call when a single wait (headers, or one body
// read) exceeds the timeout. Time spent waiting on the caller is not counted.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	if timeout <= 0 {
		return &watchdog{}
	}
	t := time.AfterFunc(timeout, func() { cancel(ErrProgressTimeout) })
	t.Stop()
	return &watchdog{timer: t, timeout: timeout}
}

func (w *watchdog) arm() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// watchedBody is the upstream response body with progress supervision.
type watchedBody struct {
	rc       io.ReadCloser
	ctx      context.Context
	provider string
	timeout  time.Duration
	wd       *watchdog
	cancel   context.CancelCauseFunc
	span     trace.Span
	once     sync.Once
}

// Read reads from the upstream body. A stalled read surfaces as a
// KindUpstreamTimeout error.
func (b *watchedBody) Read(p []byte) (int, error) {
	b.wd.arm()
	n, err := b.rc.Read(p)
	b.wd.disarm()
	if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(b.ctx), ErrProgressTimeout) {
		return n, proxyerr.New(proxyerr.KindUpstreamTimeout, b.provider,
			fmt.Sprintf("upstream stalled for %s", b.timeout), err)
	}
	return n, err
}

// Close releases the upstream connection and ends the upstream span.
func (b *watchedBody) Close() error {
	var err error
	b.once.Do(func() {
		b.wd.disarm()
		err = b.rc.Close()
		b.cancel(nil)
		b.span.End()
	})
	return err
}

// spanURL drops the query and any userinfo from raw; query parameters may
// carry credentials and spans leave the process.
func spanURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		base, _, _ := strings.Cut(raw, "?")
		return base
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.User = nil
	return u.String()
}

// withoutQuery strips the query from the URL carried by a *url.Error.
func withoutQuery(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: spanURL(ue.URL), Err: ue.Err}
	}
	return err
}
