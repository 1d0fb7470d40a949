// Package config provides configuration handling for routinerunner.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tcmartin/routinerunner/pkg/webhooks"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Cache configuration for compiled routine configs
	Cache CacheConfig `json:"cache"`

	// LLM provider and router configuration
	LLM LLMConfig `json:"llm"`

	// Breakers overrides the circuit breaker presets
	Breakers BreakerConfig `json:"breakers"`

	// Credits configuration
	Credits CreditsConfig `json:"credits"`

	// Engine configuration
	Engine EngineConfig `json:"engine"`

	// Auth configuration
	Auth AuthConfig `json:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Telemetry configuration
	Telemetry TelemetryConfig `json:"telemetry"`

	// Webhooks receive run lifecycle events
	Webhooks []webhooks.Config `json:"webhooks,omitempty"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "postgres", "sqlite", "dynamodb"

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres"`

	// SQLite configuration
	SQLite SQLiteConfig `json:"sqlite"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
}

// SQLiteConfig contains SQLite settings
type SQLiteConfig struct {
	// Path is the database file, or ":memory:"
	Path string `json:"path"`
}

// CacheConfig contains cache settings
type CacheConfig struct {
	// Type of cache to use
	Type string `json:"type"` // "memory", "redis"

	// Redis configuration
	Redis RedisConfig `json:"redis"`

	// ConfigTTLSeconds is how long routine configs stay cached
	ConfigTTLSeconds int `json:"config_ttl_seconds"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LLMConfig contains provider and router settings
type LLMConfig struct {
	// Providers in priority order
	Providers []ProviderConfig `json:"providers"`

	// RetryLimit bounds the attempts of one routed call
	RetryLimit int `json:"retry_limit"`

	// DefaultModel is used when neither the step nor the bot names one
	DefaultModel string `json:"default_model"`

	// BotModels maps bot ids to models
	BotModels map[string]string `json:"bot_models,omitempty"`

	// CooldownSeconds is how long rate-limited providers rest
	CooldownSeconds int `json:"cooldown_seconds"`

	// Safety configures the input safety check
	Safety SafetyConfig `json:"safety"`
}

// ProviderConfig describes one LLM provider endpoint
type ProviderConfig struct {
	ID             string                   `json:"id"`
	Type           string                   `json:"type"` // "openai", "anthropic"
	BaseURL        string                   `json:"base_url,omitempty"`
	APIKey         string                   `json:"api_key,omitempty"`
	Models         []string                 `json:"models,omitempty"`
	Pricing        map[string]PricingConfig `json:"pricing,omitempty"`
	DefaultPricing PricingConfig            `json:"default_pricing"`
	TimeoutSeconds int                      `json:"timeout_seconds,omitempty"`
}

// PricingConfig is the credit cost per thousand tokens
type PricingConfig struct {
	InputPer1K  int64 `json:"input_per_1k"`
	OutputPer1K int64 `json:"output_per_1k"`
}

// SafetyConfig contains safety check settings
type SafetyConfig struct {
	// DenyList terms reject any input containing them
	DenyList []string `json:"deny_list,omitempty"`

	// CostPerCheck is charged for every safety check
	CostPerCheck int64 `json:"cost_per_check"`
}

// BreakerConfig overrides circuit breaker presets. Zero values keep the
// preset's setting.
type BreakerConfig struct {
	// Preset is "resource_operation", "resource_discovery" or "health_check"
	Preset                 string `json:"preset"`
	FailureThreshold       int    `json:"failure_threshold,omitempty"`
	RecoveryTimeoutSeconds int    `json:"recovery_timeout_seconds,omitempty"`
	HalfOpenTimeoutSeconds int    `json:"half_open_timeout_seconds,omitempty"`
}

// CreditsConfig contains credit settings
type CreditsConfig struct {
	// Schedule is the cron expression for free credit grants; empty disables
	Schedule string `json:"schedule"`

	// GrantAmount is the number of free credits per grant
	GrantAmount int64 `json:"grant_amount"`

	// Accounts receive scheduled grants
	Accounts []string `json:"accounts,omitempty"`

	// StepCost is the flat charge for a deterministic step
	StepCost int64 `json:"step_cost"`
}

// EngineConfig contains execution engine settings
type EngineConfig struct {
	// MaxSteps bounds the number of step executions in one run
	MaxSteps int `json:"max_steps"`

	// MaxParallel bounds concurrently executing steps
	MaxParallel int `json:"max_parallel"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	// JWTSecret is the secret for signing JWT tokens
	JWTSecret string `json:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"

	// Output is the log output
	Output string `json:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	// Tracing enables span recording
	Tracing bool `json:"tracing"`
}

// LoadConfig loads the configuration from a file. Missing sections keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type: "memory",
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "routinerunner_",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "routinerunner",
				User:     "routinerunner",
				SSLMode:  "disable",
			},
			SQLite: SQLiteConfig{
				Path: "routinerunner.db",
			},
		},
		Cache: CacheConfig{
			Type:             "memory",
			Redis:            RedisConfig{Addr: "localhost:6379"},
			ConfigTTLSeconds: 3600,
		},
		LLM: LLMConfig{
			RetryLimit:      3,
			DefaultModel:    "gpt-4o-mini",
			CooldownSeconds: 60,
		},
		Breakers: BreakerConfig{
			Preset: "resource_operation",
		},
		Credits: CreditsConfig{
			GrantAmount: 100,
			StepCost:    1,
		},
		Engine: EngineConfig{
			MaxSteps:    1000,
			MaxParallel: 8,
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Type {
	case "memory", "postgres", "postgresql", "sqlite", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q", c.Cache.Type))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.Cache.ConfigTTLSeconds <= 0 {
		errs = append(errs, errors.New("cache.config_ttl_seconds must be positive"))
	}
	if c.LLM.RetryLimit <= 0 {
		errs = append(errs, errors.New("llm.retry_limit must be positive"))
	}
	if c.Engine.MaxSteps <= 0 {
		errs = append(errs, errors.New("engine.max_steps must be positive"))
	}
	if c.Engine.MaxParallel <= 0 {
		errs = append(errs, errors.New("engine.max_parallel must be positive"))
	}
	if c.Credits.StepCost < 0 {
		errs = append(errs, errors.New("credits.step_cost must not be negative"))
	}
	if c.Credits.Schedule != "" && c.Credits.GrantAmount <= 0 {
		errs = append(errs, errors.New("credits.grant_amount must be positive when a schedule is set"))
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: url is required", i))
		}
		if h.Retry.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("webhooks[%d]: max_retries must not be negative", i))
		}
	}
	seen := map[string]bool{}
	for i, p := range c.LLM.Providers {
		switch p.Type {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("llm.providers[%d]: unknown type %q", i, p.Type))
		}
		id := p.ID
		if id == "" {
			id = p.Type
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("llm.providers[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}
