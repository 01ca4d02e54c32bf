// Package config holds the gridd process configuration: a YAML file with
// DATAGRID_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Data source drivers.
const (
	DriverWebAPI   = "webapi"
	DriverPostgres = "postgres"
)

// Output store drivers.
const (
	OutputMemory = "memory"
	OutputRedis  = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Entities      EntitiesConfig      `yaml:"entities"`
	Platform      PlatformConfig      `yaml:"platform"`
	DataSource    DataSourceConfig    `yaml:"datasource"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Output        OutputConfig        `yaml:"output"`
	Sessions      SessionsConfig      `yaml:"sessions"`
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

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// EntitiesConfig points at the entity configuration document.
type EntitiesConfig struct {
	File string `yaml:"file"`
}

// PlatformConfig describes the platform Web API that serves records and
// runs actions.
type PlatformConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIPath is appended to BaseURL for Web API calls.
	APIPath string `yaml:"api_path"`
	// TokenEnv names the environment variable holding the bearer token
	// sent to the platform.
	TokenEnv       string               `yaml:"token_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	// OpenAPISpec optionally describes custom API operations. When set,
	// customApi commands must name an operation in it.
	OpenAPISpec      string `yaml:"openapi_spec"`
	CustomAPIBaseURL string `yaml:"custom_api_base_url"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for platform calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// DataSourceConfig selects where query-fetch views read rows from.
type DataSourceConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CapabilityConfig describes privilege resolution settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// OutputConfig describes where view outputs are published.
type OutputConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// SessionsConfig describes view session lifetime.
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// FetchTimeout bounds every background page fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxSessions  int           `yaml:"max_sessions"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
				"locale":     "locale",
			},
		},
		Entities: EntitiesConfig{
			File: "/config/entities.json",
		},
		Platform: PlatformConfig{
			APIPath: "/api/data/v9.2",
			Timeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		DataSource: DataSourceConfig{
			Driver:          DriverWebAPI,
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Output: OutputConfig{
			Driver: OutputMemory,
			TTL:    30 * time.Minute,
		},
		Sessions: SessionsConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			FetchTimeout:  30 * time.Second,
			MaxSessions:   10000,
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

// Load builds the configuration from defaults, the YAML file at path and
// DATAGRID_* environment variables, in that order, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	require(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	require(c.Identity.Issuer != "", "identity.issuer is required")
	require(c.Identity.JWKSURL != "", "identity.jwks_url is required")
	require(c.Identity.Audience != "", "identity.audience is required")
	require(len(c.Identity.Algorithms) > 0, "identity.algorithms must list at least one algorithm")
	require(c.Entities.File != "", "entities.file is required")
	require(c.Platform.BaseURL != "", "platform.base_url is required")

	require(slices.Contains([]string{DriverWebAPI, DriverPostgres}, c.DataSource.Driver),
		"datasource.driver must be %q or %q", DriverWebAPI, DriverPostgres)
	require(c.DataSource.Driver != DriverPostgres || c.DataSource.DSNEnv != "",
		"datasource.dsn_env is required for the postgres driver")

	require(slices.Contains([]string{OutputMemory, OutputRedis}, c.Output.Driver),
		"output.driver must be %q or %q", OutputMemory, OutputRedis)
	require(c.Output.Driver != OutputRedis || c.Output.AddrEnv != "",
		"output.addr_env is required for the redis driver")

	require(c.Sessions.IdleTimeout > 0, "sessions.idle_timeout must be positive")
	require(c.Sessions.FetchTimeout > 0, "sessions.fetch_timeout must be positive")

	return errors.Join(errs...)
}

// applyEnv overrides the fields operators most often change per
// deployment. Values that do not parse are ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	strs := map[string]*string{
		"DATAGRID_IDENTITY_ISSUER":         &c.Identity.Issuer,
		"DATAGRID_IDENTITY_JWKS_URL":       &c.Identity.JWKSURL,
		"DATAGRID_IDENTITY_AUDIENCE":       &c.Identity.Audience,
		"DATAGRID_ENTITIES_FILE":           &c.Entities.File,
		"DATAGRID_PLATFORM_BASE_URL":       &c.Platform.BaseURL,
		"DATAGRID_DATASOURCE_DRIVER":       &c.DataSource.Driver,
		"DATAGRID_OUTPUT_DRIVER":           &c.Output.Driver,
		"DATAGRID_OBSERVABILITY_LOG_LEVEL": &c.Observability.LogLevel,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}
	if v, ok := lookup("DATAGRID_SERVER_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}
