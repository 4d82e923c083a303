package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Instance Instance       `yaml:"instance"`
	Pipeline Pipeline       `yaml:"pipeline"`
	Security SecurityConfig `yaml:"security"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	TLS      TLSConfig      `yaml:"tls"`
}

// Instance describes the ServiceNow instance the runner talks to.
type Instance struct {
	URL         string        `yaml:"url"`
	Username    string        `yaml:"username"`
	PasswordEnv string        `yaml:"password_env"` // env var holding the password, never the password itself
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// Pipeline controls the submit/trigger/poll/cleanup execution pipeline.
type Pipeline struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MarkerPrefix   string        `yaml:"marker_prefix"` // sys_properties name prefix for result markers
	JobPrefix      string        `yaml:"job_prefix"`    // sysauto_script name prefix
	TriggerLead    time.Duration `yaml:"trigger_lead"`  // how far in the future the trigger fires
	JanitorMaxAge  time.Duration `yaml:"janitor_max_age"`
}

type SecurityConfig struct {
	RequireConfirmation bool     `yaml:"require_confirmation"` // default gate for high-risk scripts
	MaxCodeBytes        int      `yaml:"max_code_bytes"`
	APIKeyHeader        string   `yaml:"api_key_header"`
	AllowedKeys         []string `yaml:"allowed_keys"`
	RateLimitRPS        float64  `yaml:"rate_limit_rps"`
	RateLimitBurst      int      `yaml:"rate_limit_burst"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// TLSConfig controls HTTPS/TLS termination for the HTTP facade.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Instance: Instance{
			PasswordEnv: "SNOW_PASSWORD",
			HTTPTimeout: 30 * time.Second,
		},
		Pipeline: Pipeline{
			PollInterval:   2 * time.Second,
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     5 * time.Minute,
			MaxConcurrent:  50,
			MarkerPrefix:   "snow_runner.script_output.",
			JobPrefix:      "SNOW Runner Script ",
			TriggerLead:    5 * time.Second,
			JanitorMaxAge:  24 * time.Hour,
		},
		Security: SecurityConfig{
			RequireConfirmation: true,
			MaxCodeBytes:        1 << 20, // 1MB
			APIKeyHeader:        "X-API-Key",
			RateLimitRPS:        100,
			RateLimitBurst:      200,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute, // > max pipeline timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Instance.URL != "" {
		u, err := url.Parse(c.Instance.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("instance.url %q is not a valid URL", c.Instance.URL)
		}
		if u.Scheme != "https" {
			log.Warn().Str("url", c.Instance.URL).Msg("instance.url is not https — credentials travel in the clear")
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Pipeline.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("pipeline.poll_interval must be >= 100ms, got %s", c.Pipeline.PollInterval)
	}
	if c.Pipeline.DefaultTimeout > c.Pipeline.MaxTimeout {
		return fmt.Errorf("pipeline.default_timeout (%s) must be <= max_timeout (%s)",
			c.Pipeline.DefaultTimeout, c.Pipeline.MaxTimeout)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be >= 1")
	}
	if c.Pipeline.MarkerPrefix == "" {
		return fmt.Errorf("pipeline.marker_prefix must not be empty")
	}
	if c.Security.MaxCodeBytes < 1 {
		return fmt.Errorf("security.max_code_bytes must be >= 1")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// InstancePassword resolves the instance password from the configured env var.
func (c *Config) InstancePassword() string {
	if c.Instance.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Instance.PasswordEnv)
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
