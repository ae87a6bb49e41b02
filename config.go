package sase

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete gateway configuration.
type Config struct {
	// Listener configuration
	Server ServerConfig `mapstructure:"server"`

	// Root CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// Initial policy
	Policy PolicySeedConfig `mapstructure:"policy"`

	// Outbound connection pool
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Durable audit log configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Live log stream configuration
	Stream StreamConfig `mapstructure:"stream"`

	// Control plane configuration
	Control ControlConfig `mapstructure:"control"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// ProxyAddr is the data plane listen address.
	ProxyAddr string `mapstructure:"proxy_addr"`

	// ControlAddr is the control plane listen address. Port 0 picks a
	// free port.
	ControlAddr string `mapstructure:"control_addr"`

	// ReadHeaderTimeout for incoming requests on both listeners
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`

	// IdleTimeout for keep-alive connections on intercepted TLS streams
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// TLSConfig contains root CA settings. The CA key is generated at startup
// and held in memory only.
type TLSConfig struct {
	// CACertPath is where the generated root certificate is written.
	CACertPath string `mapstructure:"ca_cert_path"`

	// Organization is the root CA subject name.
	Organization string `mapstructure:"organization"`

	// CertCacheSize is the number of leaf certificates kept in memory.
	CertCacheSize int `mapstructure:"cert_cache_size"`
}

// PolicySeedConfig is the policy installed at startup and on SIGHUP.
type PolicySeedConfig struct {
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// UpstreamConfig controls the pool of connections to origin servers.
type UpstreamConfig struct {
	// MaxIdleConns is the total number of idle connections kept.
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// MaxIdleConnsPerHost is the number of idle connections kept per origin.
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`

	// MaxConnsPerHost limits connections per origin. Zero means no limit.
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`

	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`

	// EnableHTTP2 negotiates h2 with origins that support it.
	EnableHTTP2 bool `mapstructure:"enable_http2"`
}

// DefaultUpstreamConfig returns pool settings suited to a forward proxy.
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// AuditConfig controls the durable audit files (rotation by lumberjack).
type AuditConfig struct {
	// Enabled turns the durable audit writer on or off.
	Enabled bool `mapstructure:"enabled"`

	// Dir is the directory holding audit files.
	Dir string `mapstructure:"dir"`

	// Filename is the base name; the date is inserted before the extension.
	Filename string `mapstructure:"filename"`

	// MaxSize is the size in megabytes at which a day's file is rotated.
	MaxSize int `mapstructure:"max_size"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAge is the number of days to keep rotated files.
	MaxAge int `mapstructure:"max_age"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`

	// FlushInterval is how often buffered records are written to disk.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// StreamConfig controls the audit fan-out and the live event stream.
type StreamConfig struct {
	// Buffer is the per-subscriber buffer size.
	Buffer int `mapstructure:"buffer"`

	// Heartbeat is the interval between keep-alive events.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

// ControlConfig contains control plane settings.
type ControlConfig struct {
	// PathPrefix is the URL prefix of the API routes.
	PathPrefix string `mapstructure:"path_prefix"`

	// StaticDir is served for any path outside the API.
	StaticDir string `mapstructure:"static_dir"`

	// Metrics enables the /metrics endpoint.
	Metrics bool `mapstructure:"metrics"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// Access logs one line per data plane request.
	Access bool `mapstructure:"access"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ProxyAddr:         "0.0.0.0:8080",
			ControlAddr:       "127.0.0.1:0",
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       30 * time.Second,
		},
		TLS: TLSConfig{
			CACertPath:    filepath.Join("static", "certs", "ca.crt"),
			Organization:  "SASE Root CA",
			CertCacheSize: DefaultCertCacheSize,
		},
		Policy: PolicySeedConfig{
			BlockedDomains: DefaultPolicy().BlockedDomains,
		},
		Upstream: DefaultUpstreamConfig(),
		Audit: AuditConfig{
			Enabled:       true,
			Dir:           "logs",
			Filename:      "sase.json",
			MaxSize:       100,
			MaxBackups:    0,
			MaxAge:        0,
			Compress:      false,
			FlushInterval: DefaultAuditFlushInterval,
		},
		Stream: StreamConfig{
			Buffer:    DefaultHubCapacity,
			Heartbeat: DefaultHeartbeat,
		},
		Control: ControlConfig{
			PathPrefix: "/api",
			StaticDir:  "static",
			Metrics:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./sase.yaml
// 3. $HOME/.sase/sase.yaml
// 4. /etc/sase/sase.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("sase")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sase")
	v.AddConfigPath("/etc/sase")

	v.SetEnvPrefix("SASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.proxy_addr", defaults.Server.ProxyAddr)
	v.SetDefault("server.control_addr", defaults.Server.ControlAddr)
	v.SetDefault("server.read_header_timeout", defaults.Server.ReadHeaderTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)

	v.SetDefault("tls.ca_cert_path", defaults.TLS.CACertPath)
	v.SetDefault("tls.organization", defaults.TLS.Organization)
	v.SetDefault("tls.cert_cache_size", defaults.TLS.CertCacheSize)

	v.SetDefault("policy.blocked_domains", defaults.Policy.BlockedDomains)

	v.SetDefault("upstream.max_idle_conns", defaults.Upstream.MaxIdleConns)
	v.SetDefault("upstream.max_idle_conns_per_host", defaults.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.max_conns_per_host", defaults.Upstream.MaxConnsPerHost)
	v.SetDefault("upstream.idle_conn_timeout", defaults.Upstream.IdleConnTimeout)
	v.SetDefault("upstream.dial_timeout", defaults.Upstream.DialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", defaults.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.response_header_timeout", defaults.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.enable_http2", defaults.Upstream.EnableHTTP2)

	v.SetDefault("audit.enabled", defaults.Audit.Enabled)
	v.SetDefault("audit.dir", defaults.Audit.Dir)
	v.SetDefault("audit.filename", defaults.Audit.Filename)
	v.SetDefault("audit.max_size", defaults.Audit.MaxSize)
	v.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	v.SetDefault("audit.max_age", defaults.Audit.MaxAge)
	v.SetDefault("audit.compress", defaults.Audit.Compress)
	v.SetDefault("audit.flush_interval", defaults.Audit.FlushInterval)

	v.SetDefault("stream.buffer", defaults.Stream.Buffer)
	v.SetDefault("stream.heartbeat", defaults.Stream.Heartbeat)

	v.SetDefault("control.path_prefix", defaults.Control.PathPrefix)
	v.SetDefault("control.static_dir", defaults.Control.StaticDir)
	v.SetDefault("control.metrics", defaults.Control.Metrics)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.access", defaults.Logging.Access)
}

// SeedPolicy returns the policy configured for startup, with a zero counter.
func (c *Config) SeedPolicy() PolicyConfig {
	return PolicyConfig{BlockedDomains: c.Policy.BlockedDomains}.Clone()
}

// NewLogger builds the operational logger described by the logging section.
// The returned closer releases the output file, if any.
func (c *Config) NewLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	switch c.Logging.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(c.Logging.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# SASE gateway configuration

server:
  # Data plane (intercepting proxy) listen address
  proxy_addr: "0.0.0.0:8080"

  # Control plane listen address; port 0 picks a free port
  control_addr: "127.0.0.1:0"

  read_header_timeout: 30s
  idle_timeout: 30s

tls:
  # The root CA is regenerated on every start. Only the certificate is
  # written; trust it in your OS or browser after each restart.
  ca_cert_path: "static/certs/ca.crt"
  organization: "SASE Root CA"
  cert_cache_size: 1000

policy:
  # Installed at startup and on SIGHUP. Each entry blocks any host that
  # contains it as a substring.
  blocked_domains:
    - "tiktok.com"

upstream:
  max_idle_conns: 200
  max_idle_conns_per_host: 10
  max_conns_per_host: 0
  idle_conn_timeout: 90s
  dial_timeout: 30s
  tls_handshake_timeout: 10s
  response_header_timeout: 60s
  enable_http2: true

audit:
  enabled: true
  dir: "logs"
  # Files are named sase-YYYY-MM-DD.json
  filename: "sase.json"
  max_size: 100
  max_backups: 0
  max_age: 0
  compress: false
  # Records are buffered and written to disk at this interval
  flush_interval: 1s

stream:
  # Per-viewer buffer; slow viewers lose the oldest entries
  buffer: 100
  heartbeat: 15s

control:
  path_prefix: "/api"
  static_dir: "static"
  metrics: true

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"

  # One line per proxied request with status, bytes and duration
  access: false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
