package sase

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.ProxyAddr != "0.0.0.0:8080" {
		t.Errorf("expected proxy_addr 0.0.0.0:8080, got %s", cfg.Server.ProxyAddr)
	}
	if cfg.Server.ControlAddr != "127.0.0.1:0" {
		t.Errorf("expected control_addr 127.0.0.1:0, got %s", cfg.Server.ControlAddr)
	}
	if cfg.Server.ReadHeaderTimeout != 30*time.Second {
		t.Errorf("expected read_header_timeout 30s, got %v", cfg.Server.ReadHeaderTimeout)
	}

	// TLS defaults
	if cfg.TLS.CACertPath != filepath.Join("static", "certs", "ca.crt") {
		t.Errorf("expected ca_cert_path static/certs/ca.crt, got %s", cfg.TLS.CACertPath)
	}
	if cfg.TLS.CertCacheSize != DefaultCertCacheSize {
		t.Errorf("expected cert_cache_size %d, got %d", DefaultCertCacheSize, cfg.TLS.CertCacheSize)
	}

	// Policy defaults
	if !reflect.DeepEqual(cfg.Policy.BlockedDomains, []string{"tiktok.com"}) {
		t.Errorf("expected blocked_domains [tiktok.com], got %v", cfg.Policy.BlockedDomains)
	}

	// Audit defaults
	if !cfg.Audit.Enabled {
		t.Error("expected audit.enabled true")
	}
	if cfg.Audit.Dir != "logs" || cfg.Audit.Filename != "sase.json" {
		t.Errorf("expected logs/sase.json, got %s/%s", cfg.Audit.Dir, cfg.Audit.Filename)
	}

	// Stream defaults
	if cfg.Stream.Buffer != DefaultHubCapacity {
		t.Errorf("expected stream.buffer %d, got %d", DefaultHubCapacity, cfg.Stream.Buffer)
	}
	if cfg.Stream.Heartbeat != DefaultHeartbeat {
		t.Errorf("expected stream.heartbeat %v, got %v", DefaultHeartbeat, cfg.Stream.Heartbeat)
	}

	// Control defaults
	if cfg.Control.PathPrefix != "/api" {
		t.Errorf("expected control.path_prefix /api, got %s", cfg.Control.PathPrefix)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging.level info, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected logging.format text, got %s", cfg.Logging.Format)
	}
}

func TestLoadConfigFromReader_YAML(t *testing.T) {
	yaml := `
server:
  proxy_addr: "127.0.0.1:3128"
  control_addr: "127.0.0.1:9090"
  idle_timeout: 45s

policy:
  blocked_domains:
    - "tiktok.com"
    - "facebook.com"

audit:
  enabled: false

stream:
  buffer: 32
  heartbeat: 5s

upstream:
  max_idle_conns_per_host: 4
  enable_http2: false

logging:
  level: "debug"
  format: "json"
`
	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Server.ProxyAddr != "127.0.0.1:3128" {
		t.Errorf("expected proxy_addr 127.0.0.1:3128, got %s", cfg.Server.ProxyAddr)
	}
	if cfg.Server.ControlAddr != "127.0.0.1:9090" {
		t.Errorf("expected control_addr 127.0.0.1:9090, got %s", cfg.Server.ControlAddr)
	}
	if cfg.Server.IdleTimeout != 45*time.Second {
		t.Errorf("expected idle_timeout 45s, got %v", cfg.Server.IdleTimeout)
	}
	if !reflect.DeepEqual(cfg.Policy.BlockedDomains, []string{"tiktok.com", "facebook.com"}) {
		t.Errorf("unexpected blocked_domains %v", cfg.Policy.BlockedDomains)
	}
	if cfg.Audit.Enabled {
		t.Error("expected audit disabled")
	}
	if cfg.Stream.Buffer != 32 || cfg.Stream.Heartbeat != 5*time.Second {
		t.Errorf("unexpected stream config %+v", cfg.Stream)
	}
	if cfg.Upstream.MaxIdleConnsPerHost != 4 || cfg.Upstream.EnableHTTP2 {
		t.Errorf("unexpected upstream config %+v", cfg.Upstream)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}

	// Unset values keep their defaults.
	if cfg.Server.ReadHeaderTimeout != 30*time.Second {
		t.Errorf("expected default read_header_timeout 30s, got %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Upstream.MaxIdleConns != 200 {
		t.Errorf("expected default max_idle_conns 200, got %d", cfg.Upstream.MaxIdleConns)
	}
	if cfg.Audit.Dir != "logs" {
		t.Errorf("expected default audit.dir logs, got %s", cfg.Audit.Dir)
	}
}

func TestLoadConfigFromReader_JSON(t *testing.T) {
	data := `{"server":{"proxy_addr":":8888"},"policy":{"blocked_domains":[]}}`

	cfg, err := LoadConfigFromReader("json", []byte(data))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}
	if cfg.Server.ProxyAddr != ":8888" {
		t.Errorf("expected proxy_addr :8888, got %s", cfg.Server.ProxyAddr)
	}
	if len(cfg.Policy.BlockedDomains) != 0 {
		t.Errorf("expected empty blocked_domains, got %v", cfg.Policy.BlockedDomains)
	}
}

func TestLoadConfigFromReader_Invalid(t *testing.T) {
	if _, err := LoadConfigFromReader("yaml", []byte("server: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sase.yaml")
	content := "server:\n  proxy_addr: \"127.0.0.1:18080\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.ProxyAddr != "127.0.0.1:18080" {
		t.Errorf("expected proxy_addr 127.0.0.1:18080, got %s", cfg.Server.ProxyAddr)
	}
	if cfg.Control.PathPrefix != "/api" {
		t.Errorf("expected default path_prefix /api, got %s", cfg.Control.PathPrefix)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SASE_SERVER_PROXY_ADDR", "127.0.0.1:9999")
	t.Setenv("SASE_LOGGING_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "sase.yaml")
	if err := os.WriteFile(path, []byte("server:\n  proxy_addr: \":8080\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.ProxyAddr != "127.0.0.1:9999" {
		t.Errorf("expected env override 127.0.0.1:9999, got %s", cfg.Server.ProxyAddr)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env override warn, got %s", cfg.Logging.Level)
	}
}

func TestWriteExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sase.yaml")

	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}

	want := DefaultConfig()
	if !reflect.DeepEqual(*cfg, want) {
		t.Errorf("example config differs from defaults:\n got %+v\nwant %+v", *cfg, want)
	}
}

func TestConfig_SeedPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.BlockedDomains = []string{"a.com", "b.com"}

	p := cfg.SeedPolicy()
	if !reflect.DeepEqual(p.BlockedDomains, []string{"a.com", "b.com"}) {
		t.Errorf("BlockedDomains = %v", p.BlockedDomains)
	}
	if p.StatsBlockedToday != 0 {
		t.Errorf("StatsBlockedToday = %d, want 0", p.StatsBlockedToday)
	}

	p.BlockedDomains[0] = "mutated"
	if cfg.Policy.BlockedDomains[0] != "a.com" {
		t.Error("SeedPolicy must return a copy")
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		level     string
		wantLevel slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Logging.Level = tt.level

			logger, closer, err := cfg.NewLogger()
			if err != nil {
				t.Fatalf("NewLogger failed: %v", err)
			}
			defer closer.Close()

			h := logger.Handler()
			if !h.Enabled(t.Context(), tt.wantLevel) {
				t.Errorf("level %s should be enabled", tt.wantLevel)
			}
			if tt.wantLevel > slog.LevelDebug && h.Enabled(t.Context(), tt.wantLevel-1) {
				t.Errorf("level below %s should be disabled", tt.wantLevel)
			}
		})
	}
}

func TestConfig_NewLogger_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sase.log")

	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Output = path

	logger, closer, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("gateway started", "proxy", "127.0.0.1:8080")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"gateway started"`) {
		t.Errorf("log file = %q, want a JSON record", data)
	}
}

func TestConfig_NewLogger_BadOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "missing", "dir", "sase.log")

	if _, _, err := cfg.NewLogger(); err == nil {
		t.Error("expected error for an unwritable log output")
	}
}
