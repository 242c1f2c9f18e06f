package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[coordinator]
workers = 4
route_timeout_ms = 250
admin_port = 9200

[server]
host = "127.0.0.1"
port = 9000

[relay]
idle_window_ms = 50
migrate_connections = true

[pool]
max_sockets = 30
max_idle = 10
idle_timeout_seconds = 5

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Coordinator.Workers != 4 {
		t.Errorf("Coordinator.Workers = %d, want 4", cfg.Coordinator.Workers)
	}
	if got := cfg.Coordinator.RouteTimeout(); got != 250*time.Millisecond {
		t.Errorf("RouteTimeout() = %v, want 250ms", got)
	}
	if got := cfg.Relay.IdleWindow(); got != 50*time.Millisecond {
		t.Errorf("IdleWindow() = %v, want 50ms", got)
	}
	if !cfg.Relay.MigrateConnections {
		t.Error("Relay.MigrateConnections = false, want true")
	}
	if cfg.Pool.MaxSockets != 30 || cfg.Pool.MaxIdle != 10 {
		t.Errorf("Pool = %+v, want max_sockets=30 max_idle=10", cfg.Pool)
	}
	if got := cfg.Pool.IdleTimeout(); got != 5*time.Second {
		t.Errorf("IdleTimeout() = %v, want 5s", got)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "# empty\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Server.Host", cfg.Server.Host, "0.0.0.0"},
		{"Server.Port", cfg.Server.Port, 8000},
		{"Internal.Host", cfg.Internal.Host, "127.0.0.1"},
		{"Coordinator.Workers", cfg.Coordinator.Workers, 2},
		{"Coordinator.AdminAddr", cfg.Coordinator.AdminAddr(), "127.0.0.1:9100"},
		{"Coordinator.Router", cfg.Coordinator.Router, "round_robin"},
		{"Coordinator.RouteHeader", cfg.Coordinator.RouteHeader, "x-route-to"},
		{"Coordinator.RouteTimeout", cfg.Coordinator.RouteTimeout(), 5 * time.Second},
		{"Relay.IdleWindow", cfg.Relay.IdleWindow(), 100 * time.Millisecond},
		{"Relay.ResponseTimeout", cfg.Relay.ResponseTimeout(), 120 * time.Second},
		{"Relay.MigrateConnections", cfg.Relay.MigrateConnections, false},
		{"Pool.MaxSockets", cfg.Pool.MaxSockets, 20},
		{"Pool.MaxIdle", cfg.Pool.MaxIdle, 20},
		{"Pool.IdleTimeout", cfg.Pool.IdleTimeout(), 10 * time.Second},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "json"},
		{"Metrics.Path", cfg.Metrics.Path, "/metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("default %s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	if findConfig() != "" {
		t.Skip("a system config file is present")
	}

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[coordinator]
workers = 2

[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		Workers:  6,
		LogLevel: "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Coordinator.Workers != 6 {
		t.Errorf("Coordinator.Workers = %d, want 6 (CLI override)", cfg.Coordinator.Workers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"negative admin port", "[coordinator]\nadmin_port = -3\n", "admin_port"},
		{"too many workers", "[coordinator]\nworkers = 5000\n", "coordinator.workers"},
		{"negative idle window", "[relay]\nidle_window_ms = -1\n", "idle_window_ms"},
		{"negative response timeout", "[relay]\nresponse_timeout_seconds = -1\n", "response_timeout_seconds"},
		{"negative pool", "[pool]\nmax_sockets = -1\n", "pool settings"},
		{"idle above max", "[pool]\nmax_sockets = 5\nmax_idle = 10\n", "max_idle"},
		{"public internal host", "[internal]\nhost = \"0.0.0.0\"\n", "loopback"},
		{"bad log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"unknown router", "[coordinator]\nrouter = \"random\"\n", "coordinator.router"},
		{"fixed without target", "[coordinator]\nrouter = \"fixed\"\n", "route_target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "writable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0644 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"no leading slash", "metrics", "metrics.path"},
		{"healthz", "/healthz", "conflicts"},
		{"cluster sub", "/cluster/metrics", "conflicts"},
		{"custom", "/custom-metrics", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, "[metrics]\nenabled = true\npath = \""+tt.path+"\"\n")

			cfg, err := Load(cliWithPath(cfgPath))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				if cfg.Metrics.Path != tt.path {
					t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.path)
				}
				return
			}
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
