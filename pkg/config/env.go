package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ROUTINERUNNER_"

// ApplyEnv overrides configuration values from ROUTINERUNNER_* environment
// variables. Provider API keys fall back to OPENAI_API_KEY and
// ANTHROPIC_API_KEY.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	// Server configuration
	str("SERVER_HOST", &cfg.Server.Host)
	num("SERVER_PORT", &cfg.Server.Port)

	// Storage configuration
	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("DYNAMODB_REGION", &cfg.Storage.DynamoDB.Region)
	str("DYNAMODB_ENDPOINT", &cfg.Storage.DynamoDB.Endpoint)
	str("DYNAMODB_TABLE_PREFIX", &cfg.Storage.DynamoDB.TablePrefix)
	str("POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	num("POSTGRES_PORT", &cfg.Storage.Postgres.Port)
	str("POSTGRES_DATABASE", &cfg.Storage.Postgres.Database)
	str("POSTGRES_USER", &cfg.Storage.Postgres.User)
	str("POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	str("POSTGRES_SSL_MODE", &cfg.Storage.Postgres.SSLMode)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)

	// Cache configuration
	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Cache.Redis.Password)
	num("REDIS_DB", &cfg.Cache.Redis.DB)

	// LLM configuration
	str("DEFAULT_MODEL", &cfg.LLM.DefaultModel)
	num("LLM_RETRY_LIMIT", &cfg.LLM.RetryLimit)

	// Auth configuration
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	num("TOKEN_EXPIRATION", &cfg.Auth.TokenExpiration)

	// Logging configuration
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_OUTPUT", &cfg.Logging.Output)
	str("LOG_FILE", &cfg.Logging.FilePath)

	flag("TRACING", &cfg.Telemetry.Tracing)

	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if v, ok := lookup(strings.ToUpper(p.Type) + "_API_KEY"); ok {
			p.APIKey = v
		}
	}
}
