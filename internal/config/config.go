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
	Store         StoreConfig         `yaml:"store"`
	Rules         RulesConfig         `yaml:"rules"`
	Queries       QueriesConfig       `yaml:"queries"`
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

// IdentityConfig describes JWT verification settings. The signing secret
// is read from the environment variable named by SecretEnv, never from
// the config file itself. With Enabled false every request is treated as
// the anonymous actor; that mode is for local development only.
type IdentityConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	SecretEnv string `yaml:"secret_env"`
}

// StoreConfig describes rule and lifecycle persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "memory"
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RulesConfig describes rule aggregation and caching settings.
type RulesConfig struct {
	Cache   RuleCacheConfig   `yaml:"cache"`
	Sources RuleSourcesConfig `yaml:"sources"`
}

// RuleCacheConfig describes the merged-rule cache.
type RuleCacheConfig struct {
	Driver  string        `yaml:"driver"` // "memory", "redis" or "none"
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// RuleSourcesConfig toggles individual rule sources. All three are on by
// default; a disabled source is simply never loaded.
type RuleSourcesConfig struct {
	Custom       *bool `yaml:"custom"`
	ItemMetadata *bool `yaml:"item_metadata"`
	Native       *bool `yaml:"native"`
}

// QueriesConfig describes discrepancy-note creation settings.
type QueriesConfig struct {
	Enabled bool `yaml:"enabled"`
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
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv: "CRF_JWT_SECRET",
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CRF_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Rules: RulesConfig{
			Cache: RuleCacheConfig{
				Driver:  "memory",
				AddrEnv: "CRF_REDIS_ADDR",
				TTL:     5 * time.Minute,
			},
		},
		Queries: QueriesConfig{
			Enabled: true,
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

// SourceEnabled reports whether a rule source toggle is on. Unset
// toggles default to on.
func (c RuleSourcesConfig) SourceEnabled(source string) bool {
	var toggle *bool
	switch source {
	case "custom":
		toggle = c.Custom
	case "item_metadata":
		toggle = c.ItemMetadata
	case "native":
		toggle = c.Native
	}
	return toggle == nil || *toggle
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
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && os.Getenv(c.Store.DSNEnv) == "" {
		errs = append(errs, fmt.Sprintf("store.driver postgres requires %s to be set", c.Store.DSNEnv))
	}
	switch c.Rules.Cache.Driver {
	case "memory", "redis", "none":
	default:
		errs = append(errs, fmt.Sprintf("rules.cache.driver %q must be memory, redis or none", c.Rules.Cache.Driver))
	}
	if c.Rules.Cache.Driver == "redis" && os.Getenv(c.Rules.Cache.AddrEnv) == "" {
		errs = append(errs, fmt.Sprintf("rules.cache.driver redis requires %s to be set", c.Rules.Cache.AddrEnv))
	}
	if c.Rules.Cache.TTL <= 0 {
		errs = append(errs, "rules.cache.ttl must be positive")
	}
	if c.Identity.Enabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required when identity is enabled")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required when identity is enabled")
		}
		if os.Getenv(c.Identity.SecretEnv) == "" {
			errs = append(errs, fmt.Sprintf("identity requires %s to be set", c.Identity.SecretEnv))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CRF_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRF_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CRF_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CRF_RULES_CACHE_DRIVER"); v != "" {
		cfg.Rules.Cache.Driver = v
	}
	if v := os.Getenv("CRF_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CRF_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CRF_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
