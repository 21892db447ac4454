// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilient call service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server" json:"server"`
	Metrics      MetricsConfig       `yaml:"metrics" json:"metrics"`
	Logging      LoggingConfig       `yaml:"logging" json:"logging"`
	Auth         AuthConfig          `yaml:"auth" json:"auth"`
	Destinations []DestinationConfig `yaml:"destinations" json:"destinations"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds structured log output settings. Output may be
// "stdout", "stderr", or a file path; file output rotates by size.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AuthConfig holds JWT Bearer settings guarding the administrative
// circuit endpoints.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// DestinationConfig describes one guarded remote dependency and the
// resilience settings applied to calls against it.
type DestinationConfig struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`

	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	// OnRateLimit selects the rejection policy: "degrade" (default)
	// serves the fallback; "reject" returns a hard rejection.
	OnRateLimit string `yaml:"on_rate_limit" json:"on_rate_limit"`

	Bulkhead BulkheadConfig `yaml:"bulkhead" json:"bulkhead"`
	Breaker  BreakerConfig  `yaml:"breaker" json:"breaker"`
	Retry    RetryConfig    `yaml:"retry" json:"retry"`

	// RetryableStatuses lists upstream statuses worth another attempt.
	// Empty means every 5xx is retryable.
	RetryableStatuses []int `yaml:"retryable_statuses" json:"retryable_statuses,omitempty"`

	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`

	// FallbackBody is the static degraded payload served when the
	// primary path is unavailable. Empty uses a built-in marker.
	FallbackBody string `yaml:"fallback_body" json:"fallback_body"`

	Scenarios ScenarioConfig `yaml:"scenarios" json:"scenarios"`
}

// RateLimitConfig holds token bucket settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// BulkheadConfig holds concurrency bounding settings. AcquireTimeout
// bounds how long a call may wait for a permit; zero waits until the
// caller gives up.
type BulkheadConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

// RetryConfig holds the attempt loop settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout" json:"per_attempt_timeout"`
	BaseBackoff       time.Duration `yaml:"base_backoff" json:"base_backoff"`
	Multiplier        float64       `yaml:"multiplier" json:"multiplier"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Jitter            float64       `yaml:"jitter" json:"jitter"`
}

// ConnectionPoolConfig holds per-destination HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// ScenarioConfig maps the batch endpoints' traffic mix onto destination
// paths: a fast success, a slow response, and a guaranteed server error.
type ScenarioConfig struct {
	OKPath    string `yaml:"ok_path" json:"ok_path"`
	SlowPath  string `yaml:"slow_path" json:"slow_path"`
	ErrorPath string `yaml:"error_path" json:"error_path"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Batch endpoints hold the connection for the whole batch,
		// including backoff sleeps, so the write timeout is generous.
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	for i := range cfg.Destinations {
		d := &cfg.Destinations[i]
		if d.RateLimit.RequestsPerSecond == 0 {
			d.RateLimit.RequestsPerSecond = 6
		}
		if d.RateLimit.Burst == 0 {
			d.RateLimit.Burst = 6
		}
		if d.OnRateLimit == "" {
			d.OnRateLimit = "degrade"
		}
		if d.Bulkhead.MaxConcurrent == 0 {
			d.Bulkhead.MaxConcurrent = 6
		}
		if d.Breaker.FailureThreshold == 0 {
			d.Breaker.FailureThreshold = 3
		}
		if d.Breaker.ResetTimeout == 0 {
			d.Breaker.ResetTimeout = 8 * time.Second
		}
		if d.Retry.MaxAttempts == 0 {
			d.Retry.MaxAttempts = 3
		}
		if d.Retry.PerAttemptTimeout == 0 {
			d.Retry.PerAttemptTimeout = 2 * time.Second
		}
		if d.Retry.BaseBackoff == 0 {
			d.Retry.BaseBackoff = 400 * time.Millisecond
		}
		if d.Retry.Multiplier == 0 {
			d.Retry.Multiplier = 2
		}
		if d.Retry.MaxBackoff == 0 {
			d.Retry.MaxBackoff = 5 * time.Second
		}
		if d.Scenarios.OKPath == "" {
			d.Scenarios.OKPath = "/get"
		}
		if d.Scenarios.SlowPath == "" {
			d.Scenarios.SlowPath = "/delay/3"
		}
		if d.Scenarios.ErrorPath == "" {
			d.Scenarios.ErrorPath = "/status/500"
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if len(cfg.Destinations) == 0 {
		return fmt.Errorf("at least one destination must be configured")
	}

	seen := make(map[string]bool)
	for i, d := range cfg.Destinations {
		if d.Name == "" {
			return fmt.Errorf("destinations[%d].name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate destination name: %s", d.Name)
		}
		seen[d.Name] = true

		if d.BaseURL == "" {
			return fmt.Errorf("destinations[%d].base_url is required", i)
		}
		u, err := url.Parse(d.BaseURL)
		if err != nil {
			return fmt.Errorf("destinations[%d].base_url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("destinations[%d].base_url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("destinations[%d].base_url: host is required", i)
		}

		if d.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("destinations[%d].rate_limit.requests_per_second must be positive", i)
		}
		if d.RateLimit.Burst < 1 {
			return fmt.Errorf("destinations[%d].rate_limit.burst must be at least 1", i)
		}
		if d.OnRateLimit != "degrade" && d.OnRateLimit != "reject" {
			return fmt.Errorf("destinations[%d].on_rate_limit must be \"degrade\" or \"reject\", got %q", i, d.OnRateLimit)
		}
		if d.Bulkhead.MaxConcurrent < 1 {
			return fmt.Errorf("destinations[%d].bulkhead.max_concurrent must be positive", i)
		}
		if d.Bulkhead.AcquireTimeout < 0 {
			return fmt.Errorf("destinations[%d].bulkhead.acquire_timeout must be non-negative", i)
		}
		if d.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("destinations[%d].breaker.failure_threshold must be positive", i)
		}
		if d.Breaker.ResetTimeout <= 0 {
			return fmt.Errorf("destinations[%d].breaker.reset_timeout must be positive", i)
		}
		if d.Retry.MaxAttempts < 1 {
			return fmt.Errorf("destinations[%d].retry.max_attempts must be positive", i)
		}
		if d.Retry.PerAttemptTimeout <= 0 {
			return fmt.Errorf("destinations[%d].retry.per_attempt_timeout must be positive", i)
		}
		if d.Retry.Multiplier < 1 {
			return fmt.Errorf("destinations[%d].retry.multiplier must be >= 1", i)
		}
		if d.Retry.Jitter < 0 || d.Retry.Jitter > 1 {
			return fmt.Errorf("destinations[%d].retry.jitter must be in [0, 1]", i)
		}
		for _, s := range d.RetryableStatuses {
			if s < 500 || s > 599 {
				return fmt.Errorf("destinations[%d].retryable_statuses: %d is not a server error status", i, s)
			}
		}
		if d.FallbackBody != "" && !looksLikeJSON(d.FallbackBody) {
			return fmt.Errorf("destinations[%d].fallback_body must be a JSON document", i)
		}
		if d.ConnectionPool != nil {
			cp := d.ConnectionPool
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("destinations[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("destinations[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("destinations[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	return nil
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") || strings.HasPrefix(s, `"`)
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	for _, d := range cfg.Destinations {
		if d.Breaker.ResetTimeout < d.Retry.PerAttemptTimeout {
			warnings = append(warnings, fmt.Sprintf(
				"destination %q: breaker reset_timeout (%s) is shorter than a single attempt timeout (%s); the breaker may flap",
				d.Name, d.Breaker.ResetTimeout, d.Retry.PerAttemptTimeout))
		}
	}
	return warnings
}
