package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"llm-gateway/internal/client"
	"llm-gateway/internal/config"
	"llm-gateway/internal/handler"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/middleware"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/relay"
	"llm-gateway/internal/service"
	"llm-gateway/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("llm-gateway"),
		kong.Description("Streaming reverse proxy for LLM inference providers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	// .env must be applied before config.Load reads provider keys.
	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newTracing,
			metrics.New,
			newRegistry,
			newResolver,
			newTransformer,
			newRelay,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newTracing(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*tracing.Provider, error) {
	tp, err := tracing.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: tp.Shutdown})
	return tp, nil
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	reg, err := provider.NewRegistry(cfg.ProviderOverrides())
	if err != nil {
		return nil, err
	}
	for _, id := range reg.Providers() {
		if err := reg.Usable(id); err != nil {
			logger.Warn("provider unavailable", "provider", id, "reason", err)
		}
	}
	return reg, nil
}

func newResolver(reg *provider.Registry, cfg *config.Config) (*provider.Resolver, error) {
	return provider.NewResolver(reg, cfg.Gateway.ProviderHeader, cfg.DefaultProviderID())
}

func newTransformer(cfg *config.Config) *service.Transformer {
	return service.NewTransformer(cfg.Gateway.ProviderHeader)
}

func newRelay(cfg *config.Config) *relay.Relay {
	return relay.New(relay.Options{
		BufferSize:    cfg.Upstream.RelayBufferBytes,
		QueueDepth:    cfg.Upstream.RelayQueueDepth,
		MaxEventBytes: cfg.Upstream.MaxEventBytes,
	})
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tp *tracing.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: completions may stream for minutes. The upstream
	// progress timeout bounds stalled streams instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Tracing(tp))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if len(cfg.CORS.AllowedOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.CORS.AllowedOrigins,
			AllowHeaders: []string{
				echo.HeaderAuthorization,
				echo.HeaderContentType,
				cfg.Gateway.ProviderHeader,
				"X-Magicapi-Api-Key",
				"X-Api-Key",
				"Anthropic-Version",
				"Anthropic-Beta",
			},
			ExposeHeaders: []string{echo.HeaderXRequestID, "X-Upstream-Request-Id"},
		}))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "default_provider", cfg.Gateway.DefaultProvider, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
