package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Audit    AuditConfig    `yaml:"audit"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// BackendConfig describes the remote execution service.
type BackendConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // bound on one outbound call
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	// Memory limits in bytes: 0 leaves the field out so the backend applies
	// its own cap, -1 asks for unbounded, >0 is the cap.
	CompileMemoryLimit int64 `yaml:"compile_memory_limit"`
	RunMemoryLimit     int64 `yaml:"run_memory_limit"`
	ExposeDetails      bool  `yaml:"expose_details"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres", "sqlite" or "" (disabled)
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	UserHeader           string   `yaml:"user_header"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// AuditConfig controls the buffered run history writer.
type AuditConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            4000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second, // > backend request timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Backend: BackendConfig{
			URL:            "https://emkc.org/api/v2/piston/execute",
			RequestTimeout: 30 * time.Second,
			CompileTimeout: 10 * time.Second,
			RunTimeout:     3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:         "X-API-Key",
			AllowUnauthenticated: true,
			UserHeader:           "X-User-ID",
			AllowedOrigins:       []string{"*"},
			RateLimitRPS:         5,
			RateLimitBurst:       20,
		},
		Audit: AuditConfig{
			BufferSize:   10000,
			FlushTimeout: 10 * time.Second,
		},
	}
}

// ApplyEnv overrides fields from environment variables. lookup is
// os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("PISTON_URL"); ok && v != "" {
		c.Backend.URL = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.DSN = v
		if c.Database.Driver == "" {
			c.Database.Driver = "postgres"
		}
	}
	if v, ok := lookup("DATABASE_DRIVER"); ok && v != "" {
		c.Database.Driver = v
	}
	if v, ok := lookup("API_KEYS"); ok && v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		c.Security.AllowedKeys = keys
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		return fmt.Errorf("backend.url must be an http(s) URL, got %q", c.Backend.URL)
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be > 0")
	}
	if c.Backend.CompileTimeout <= 0 || c.Backend.RunTimeout <= 0 {
		return fmt.Errorf("backend.compile_timeout and backend.run_timeout must be > 0")
	}
	if c.Backend.CompileMemoryLimit < -1 || c.Backend.RunMemoryLimit < -1 {
		return fmt.Errorf("backend memory limits must be -1 (unbounded), 0 (backend default) or a byte count")
	}
	if c.Backend.CompileMemoryLimit == -1 || c.Backend.RunMemoryLimit == -1 {
		log.Warn().Msg("backend memory limits set to unbounded; submitted programs may exhaust the execution service")
	}
	switch c.Database.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or empty, got %q", c.Database.Driver)
	}
	if c.Security.UserHeader == "" {
		return fmt.Errorf("security.user_header is required")
	}
	// The user header is only trustworthy behind an authenticated gateway.
	if c.Database.Driver != "" && c.Security.AllowUnauthenticated && !c.hasKeys() {
		return fmt.Errorf("database.driver %q needs security.allowed_keys (or allow_unauthenticated: false): without them any caller can act as any %s", c.Database.Driver, c.Security.UserHeader)
	}
	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst < 1 {
		return fmt.Errorf("security.rate_limit_rps must be > 0 and rate_limit_burst >= 1")
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit.buffer_size must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

func (c *Config) hasKeys() bool {
	for _, k := range c.Security.AllowedKeys {
		if k != "" {
			return true
		}
	}
	return false
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
