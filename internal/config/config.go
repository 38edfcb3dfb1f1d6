// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"llm-gateway/internal/provider"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/llm-gateway/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes the metrics endpoint must not shadow.
var reservedPaths = []string{"/v1", "/healthz", "/gateway/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	EnvFile         string `kong:"help='Path to a .env file loaded before reading provider keys.',env='ENV_FILE'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	DefaultProvider string `kong:"help='Provider used when the selector header is absent (overrides config).',env='DEFAULT_PROVIDER'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig              `toml:"server"`
	Gateway   GatewayConfig             `toml:"gateway"`
	Upstream  UpstreamConfig            `toml:"upstream"`
	Providers map[string]ProviderConfig `toml:"providers"`
	CORS      CORSConfig                `toml:"cors"`
	Log       LogConfig                 `toml:"log"`
	Metrics   MetricsConfig             `toml:"metrics"`
	Tracing   TracingConfig             `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls the optional per-IP edge rate limiter.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// GatewayConfig holds provider selection settings.
type GatewayConfig struct {
	DefaultProvider string `toml:"default_provider"`
	ProviderHeader  string `toml:"provider_header"`
}

// UpstreamConfig holds upstream connection and relay settings.
type UpstreamConfig struct {
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	// TimeoutSeconds bounds how long the gateway waits for upstream progress:
	// response headers, and each gap between body reads.
	TimeoutSeconds   int `toml:"timeout_seconds"`
	IdleConnections  int `toml:"idle_connections"`
	RelayBufferBytes int `toml:"relay_buffer_bytes"`
	RelayQueueDepth  int `toml:"relay_queue_depth"`
	MaxEventBytes    int `toml:"max_event_bytes"`
}

// ProviderConfig overrides the built-in settings of one provider.
type ProviderConfig struct {
	BaseURL   string            `toml:"base_url"`
	APIKey    string            `toml:"api_key"`
	APIKeyEnv string            `toml:"api_key_env"`
	Vars      map[string]string `toml:"vars"`
}

// CORSConfig lists browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRate  float64 `toml:"sample_rate"`
	ServiceName string  `toml:"service_name"`
}

// LoadDotEnv loads a .env file into the process environment. Variables that
// are already set keep their values. A missing default ".env" is not an error;
// a missing explicitly named file is.
func LoadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/llm-gateway/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	cfg.normalizeProviders()
	cfg.resolveKeys(os.Getenv)
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.DefaultProvider != "" {
		c.Gateway.DefaultProvider = cli.DefaultProvider
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Gateway.DefaultProvider != "" {
		if _, ok := provider.ParseID(c.Gateway.DefaultProvider); !ok {
			return fmt.Errorf("gateway.default_provider %q is not a supported provider", c.Gateway.DefaultProvider)
		}
	}
	seen := make(map[provider.ID]string, len(c.Providers))
	for name, p := range c.Providers {
		id, ok := provider.ParseID(name)
		if !ok {
			return fmt.Errorf("providers.%s: not a supported provider", name)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("providers.%s duplicates providers.%s", name, prev)
		}
		seen[id] = name
		if p.APIKey == "YOUR_API_KEY_HERE" {
			return fmt.Errorf("providers.%s.api_key contains placeholder value; set a real key or leave empty for caller-supplied credentials", name)
		}
		if p.BaseURL != "" {
			u, err := url.Parse(p.BaseURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("providers.%s.base_url must be an absolute http(s) URL; got %q", name, p.BaseURL)
			}
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, v := range map[string]int{
		"upstream.connect_timeout_seconds": c.Upstream.ConnectTimeoutSeconds,
		"upstream.timeout_seconds":         c.Upstream.TimeoutSeconds,
		"upstream.idle_connections":        c.Upstream.IdleConnections,
		"upstream.relay_buffer_bytes":      c.Upstream.RelayBufferBytes,
		"upstream.relay_queue_depth":       c.Upstream.RelayQueueDepth,
		"upstream.max_event_bytes":         c.Upstream.MaxEventBytes,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within 0–1; got %v", c.Tracing.SampleRate)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 20 * 1024 * 1024 // 20 MB
	}
	if c.Gateway.DefaultProvider == "" {
		c.Gateway.DefaultProvider = string(provider.OpenAI)
	}
	if c.Gateway.ProviderHeader == "" {
		c.Gateway.ProviderHeader = provider.DefaultSelectorHeader
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.RelayBufferBytes == 0 {
		c.Upstream.RelayBufferBytes = 32 * 1024
	}
	if c.Upstream.RelayQueueDepth == 0 {
		c.Upstream.RelayQueueDepth = 8
	}
	if c.Upstream.MaxEventBytes == 0 {
		c.Upstream.MaxEventBytes = 1024 * 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "llm-gateway"
	}
	if c.Tracing.Enabled && c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}
}

// normalizeProviders rekeys the providers section by canonical provider ID.
func (c *Config) normalizeProviders() {
	out := make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		if id, ok := provider.ParseID(name); ok {
			out[string(id)] = p
		}
	}
	c.Providers = out
}

// resolveKeys fills empty provider API keys from the environment once, so the
// rest of the gateway never consults process state.
func (c *Config) resolveKeys(getenv func(string) string) {
	for _, id := range provider.IDs {
		name := string(id)
		p := c.Providers[name]
		if p.APIKey == "" {
			env := p.APIKeyEnv
			if env == "" {
				env = provider.KeyEnv(id)
			}
			if env != "" {
				p.APIKey = getenv(env)
			}
		}
		c.Providers[name] = p
	}
}

// ProviderOverrides converts the providers section into registry overrides.
// Keys are normalised through provider.ParseID; validate has already rejected
// unknown names.
func (c *Config) ProviderOverrides() map[provider.ID]provider.Override {
	out := make(map[provider.ID]provider.Override, len(c.Providers))
	for name, p := range c.Providers {
		id, ok := provider.ParseID(name)
		if !ok {
			continue
		}
		out[id] = provider.Override{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Vars:    p.Vars,
		}
	}
	return out
}

// DefaultProviderID returns the configured fallback provider.
func (c *Config) DefaultProviderID() provider.ID {
	id, _ := provider.ParseID(c.Gateway.DefaultProvider)
	return id
}

// ConnectTimeout returns the upstream dial and TLS handshake timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Timeout returns the upstream progress timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
