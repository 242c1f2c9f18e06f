// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/handoffd/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Public listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Public listen port (overrides config).',env='PORT'"`
	Workers  int    `kong:"short='w',help='Number of worker processes (overrides config).',env='WORKERS'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Coordinator CoordinatorCmd `kong:"cmd,default='1',help='Run the coordinator and fork workers.'"`
	Worker      WorkerCmd      `kong:"cmd,hidden,help='Run a single worker (spawned by the coordinator).'"`
}

// CoordinatorCmd selects the coordinator role.
type CoordinatorCmd struct{}

// WorkerCmd selects the worker role. The id is assigned by the coordinator.
type WorkerCmd struct {
	ID int `kong:"required,help='Worker id assigned by the coordinator.',env='HANDOFFD_WORKER_ID'"`
}

// Config is the top-level application configuration.
type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Server      ServerConfig      `toml:"server"`
	Internal    InternalConfig    `toml:"internal"`
	Relay       RelayConfig       `toml:"relay"`
	Pool        PoolConfig        `toml:"pool"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// CoordinatorConfig holds settings for the routing process.
type CoordinatorConfig struct {
	Workers        int    `toml:"workers"`
	RouteTimeoutMS int    `toml:"route_timeout_ms"`
	AdminHost      string `toml:"admin_host"`
	AdminPort      int    `toml:"admin_port"`

	// Router picks the stock routing policy: round_robin, header, sticky or fixed.
	Router      string `toml:"router"`
	RouteHeader string `toml:"route_header"` // header router: header naming the worker id
	RouteParam  string `toml:"route_param"`  // sticky router: query parameter to hash
	RouteTarget int    `toml:"route_target"` // fixed router: the only target
}

// ServerConfig holds the public HTTP listener settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the public server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// InternalConfig holds the worker side-channel listener settings.
type InternalConfig struct {
	Host string `toml:"host"`
}

// RelayConfig tunes the proxying strategy.
type RelayConfig struct {
	IdleWindowMS           int  `toml:"idle_window_ms"`
	ResponseTimeoutSeconds int  `toml:"response_timeout_seconds"`
	SessionTimeoutSeconds  int  `toml:"session_timeout_seconds"`
	MigrateConnections     bool `toml:"migrate_connections"`
}

// PoolConfig bounds the worker-to-worker keep-alive pool.
type PoolConfig struct {
	MaxSockets         int `toml:"max_sockets"`
	MaxIdle            int `toml:"max_idle"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/handoffd/config.toml then configs/config.toml. A missing file is not
// an error: every setting has a default.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
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

	cfg.SetDefaults()
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
	if cli.Workers != 0 {
		c.Coordinator.Workers = cli.Workers
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Coordinator.AdminPort < 0 || c.Coordinator.AdminPort > 65535 {
		return fmt.Errorf("coordinator.admin_port must be 0–65535; got %d", c.Coordinator.AdminPort)
	}
	if c.Coordinator.Workers < 0 || c.Coordinator.Workers > 1024 {
		return fmt.Errorf("coordinator.workers must be 0–1024; got %d", c.Coordinator.Workers)
	}
	if c.Coordinator.RouteTimeoutMS < 0 {
		return fmt.Errorf("coordinator.route_timeout_ms must be non-negative; got %d", c.Coordinator.RouteTimeoutMS)
	}
	if c.Relay.IdleWindowMS < 0 {
		return fmt.Errorf("relay.idle_window_ms must be non-negative; got %d", c.Relay.IdleWindowMS)
	}
	if c.Relay.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("relay.response_timeout_seconds must be non-negative; got %d", c.Relay.ResponseTimeoutSeconds)
	}
	if c.Relay.SessionTimeoutSeconds < 0 {
		return fmt.Errorf("relay.session_timeout_seconds must be non-negative; got %d", c.Relay.SessionTimeoutSeconds)
	}
	if c.Pool.MaxSockets < 0 || c.Pool.MaxIdle < 0 || c.Pool.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("pool settings must be non-negative; got max_sockets=%d max_idle=%d idle_timeout_seconds=%d",
			c.Pool.MaxSockets, c.Pool.MaxIdle, c.Pool.IdleTimeoutSeconds)
	}
	if c.Pool.MaxSockets > 0 && c.Pool.MaxIdle > c.Pool.MaxSockets {
		return fmt.Errorf("pool.max_idle (%d) must not exceed pool.max_sockets (%d)", c.Pool.MaxIdle, c.Pool.MaxSockets)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch c.Coordinator.Router {
	case "", "round_robin", "header", "sticky":
	case "fixed":
		if c.Coordinator.RouteTarget <= 0 {
			return fmt.Errorf("coordinator.route_target must be a positive worker id for the fixed router; got %d", c.Coordinator.RouteTarget)
		}
	default:
		return fmt.Errorf("coordinator.router must be one of: round_robin, header, sticky, fixed; got %q", c.Coordinator.Router)
	}

	// The side channel must never be reachable from outside the host.
	switch c.Internal.Host {
	case "", "127.0.0.1", "::1", "localhost":
	default:
		return fmt.Errorf("internal.host must be a loopback address; got %q", c.Internal.Host)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
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
		for _, reserved := range []string{"/healthz", "/cluster"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// SetDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) SetDefaults() {
	if c.Coordinator.Workers == 0 {
		c.Coordinator.Workers = 2
	}
	if c.Coordinator.RouteTimeoutMS == 0 {
		c.Coordinator.RouteTimeoutMS = 5000
	}
	if c.Coordinator.AdminHost == "" {
		c.Coordinator.AdminHost = "127.0.0.1"
	}
	if c.Coordinator.AdminPort == 0 {
		c.Coordinator.AdminPort = 9100
	}
	if c.Coordinator.Router == "" {
		c.Coordinator.Router = "round_robin"
	}
	if c.Coordinator.RouteHeader == "" {
		c.Coordinator.RouteHeader = "x-route-to"
	}
	if c.Coordinator.RouteParam == "" {
		c.Coordinator.RouteParam = "sid"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Internal.Host == "" {
		c.Internal.Host = "127.0.0.1"
	}
	if c.Relay.IdleWindowMS == 0 {
		c.Relay.IdleWindowMS = 100
	}
	if c.Relay.ResponseTimeoutSeconds == 0 {
		c.Relay.ResponseTimeoutSeconds = 120
	}
	if c.Relay.SessionTimeoutSeconds == 0 {
		c.Relay.SessionTimeoutSeconds = 120
	}
	if c.Pool.MaxSockets == 0 {
		c.Pool.MaxSockets = 20
	}
	if c.Pool.MaxIdle == 0 {
		c.Pool.MaxIdle = 20
	}
	if c.Pool.IdleTimeoutSeconds == 0 {
		c.Pool.IdleTimeoutSeconds = 10
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

// AdminAddr returns the coordinator admin listen address as host:port.
func (c *CoordinatorConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", c.AdminHost, c.AdminPort)
}

// RouteTimeout bounds a single routing round trip to the coordinator.
func (c *CoordinatorConfig) RouteTimeout() time.Duration {
	return time.Duration(c.RouteTimeoutMS) * time.Millisecond
}

// IdleWindow is how long an upstream request leg stays open without new data.
func (c *RelayConfig) IdleWindow() time.Duration {
	return time.Duration(c.IdleWindowMS) * time.Millisecond
}

// ResponseTimeout bounds the wait for the target's response.
func (c *RelayConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// SessionTimeout is how long a target-side session may go without a leg.
func (c *RelayConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// IdleTimeout is how long a pooled connection may sit unused.
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// FilePath returns the config file the configuration was loaded from, or
// "" when none was found.
func (c *Config) FilePath() string { return c.filePath }

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
