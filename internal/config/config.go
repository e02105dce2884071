// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Signing       SigningConfig       `yaml:"signing"`
	Rendering     RenderingConfig     `yaml:"rendering"`
	Finalize      FinalizeConfig      `yaml:"finalize"`
	Journal       JournalConfig       `yaml:"journal"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT validation settings. Tokens are signed with a
// shared HMAC secret read from the environment variable named by SecretEnv.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// BackendConfig holds the settings shared by every HTTP backend.
type BackendConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per backend.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes retry settings per backend.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// SigningConfig describes the signature collection backend.
type SigningConfig struct {
	Backend          BackendConfig `yaml:",inline"`
	StatusFeed       string        `yaml:"status_feed"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	WebhookSecretEnv string        `yaml:"webhook_secret_env"`
}

// MaxResponseBytes is the largest backend response body the BFF buffers.
const MaxResponseBytes = 32 << 20

// RenderingConfig describes the document rendering backend.
type RenderingConfig struct {
	Driver           string        `yaml:"driver"`
	Backend          BackendConfig `yaml:",inline"`
	PrintURLTemplate string        `yaml:"print_url_template"`
	ChromeExecPath   string        `yaml:"chrome_exec_path"`
	ChromeRemoteURL  string        `yaml:"chrome_remote_url"`
	MaxBytes         int64         `yaml:"max_bytes"`
}

// FinalizeConfig describes run lifetime settings.
type FinalizeConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// JournalConfig describes run journal persistence settings.
type JournalConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EventsConfig describes in-process pub/sub settings.
type EventsConfig struct {
	LifecycleTopic       string `yaml:"lifecycle_topic"`
	SignatureTopic       string `yaml:"signature_topic"`
	OutputBufferSize     int64  `yaml:"output_buffer_size"`
	BlockPublishUntilAck bool   `yaml:"block_publish_until_ack"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func defaultBackend() BackendConfig {
	return BackendConfig{
		Timeout: 10 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       2,
			BackoffInitial:    100 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        2 * time.Second,
		},
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Partition-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "GARAGE_JWT_SECRET",
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
			},
		},
		Signing: SigningConfig{
			Backend:          defaultBackend(),
			StatusFeed:       "poll",
			PollInterval:     2 * time.Second,
			WebhookSecretEnv: "GARAGE_SIGNING_WEBHOOK_SECRET",
		},
		Rendering: RenderingConfig{
			Driver:   "http",
			Backend:  defaultBackend(),
			MaxBytes: 20 << 20,
		},
		Finalize: FinalizeConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			Retention:     24 * time.Hour,
		},
		Journal: JournalConfig{
			Driver:          "memory",
			DSNEnv:          "GARAGE_JOURNAL_DSN",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "GARAGE_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Events: EventsConfig{
			LifecycleTopic:       "garage.finalization-events",
			SignatureTopic:       "garage.signature-status",
			OutputBufferSize:     64,
			BlockPublishUntilAck: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.SecretEnv == "" {
		errs = append(errs, "identity.secret_env is required")
	}

	if c.Signing.Backend.BaseURL == "" {
		errs = append(errs, "signing.base_url is required")
	}
	switch c.Signing.StatusFeed {
	case "poll":
		if c.Signing.PollInterval <= 0 {
			errs = append(errs, "signing.poll_interval must be positive")
		}
	case "webhook":
		if c.Signing.WebhookSecretEnv == "" {
			errs = append(errs, "signing.webhook_secret_env is required for the webhook feed")
		}
	default:
		errs = append(errs, fmt.Sprintf("signing.status_feed %q must be poll or webhook", c.Signing.StatusFeed))
	}

	switch c.Rendering.Driver {
	case "http":
		if c.Rendering.Backend.BaseURL == "" {
			errs = append(errs, "rendering.base_url is required for the http driver")
		}
	case "chrome":
		if c.Rendering.PrintURLTemplate == "" {
			errs = append(errs, "rendering.print_url_template is required for the chrome driver")
		} else if !strings.Contains(c.Rendering.PrintURLTemplate, "{id}") {
			errs = append(errs, "rendering.print_url_template must contain {id}")
		}
	default:
		errs = append(errs, fmt.Sprintf("rendering.driver %q must be http or chrome", c.Rendering.Driver))
	}
	if c.Rendering.MaxBytes > MaxResponseBytes {
		errs = append(errs, fmt.Sprintf("rendering.max_bytes must not exceed %d", MaxResponseBytes))
	}

	if c.Finalize.IdleTimeout <= 0 {
		errs = append(errs, "finalize.idle_timeout must be positive")
	}
	if c.Finalize.SweepInterval <= 0 {
		errs = append(errs, "finalize.sweep_interval must be positive")
	}

	switch c.Journal.Driver {
	case "memory":
	case "postgres":
		if c.Journal.DSNEnv == "" {
			errs = append(errs, "journal.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("journal.driver %q must be memory or postgres", c.Journal.Driver))
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q must be memory or redis", c.Idempotency.Store.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads GARAGE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GARAGE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GARAGE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("GARAGE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("GARAGE_SIGNING_BASE_URL"); v != "" {
		cfg.Signing.Backend.BaseURL = v
	}
	if v := os.Getenv("GARAGE_RENDERING_BASE_URL"); v != "" {
		cfg.Rendering.Backend.BaseURL = v
	}
	if v := os.Getenv("GARAGE_JOURNAL_DRIVER"); v != "" {
		cfg.Journal.Driver = v
	}
	if v := os.Getenv("GARAGE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
