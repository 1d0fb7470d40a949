package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/routinerunner/pkg/webhooks"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 3, cfg.LLM.RetryLimit)
	assert.Equal(t, int64(1), cfg.Credits.StepCost)
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoadConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.json")

	original := DefaultConfig()
	original.Server.Host = "testhost"
	original.Server.Port = 9090
	original.Storage.Type = "sqlite"
	original.Storage.SQLite.Path = "/tmp/runs.db"
	original.LLM.Providers = []ProviderConfig{{
		ID:             "primary",
		Type:           "openai",
		Models:         []string{"gpt-4o-mini"},
		DefaultPricing: PricingConfig{InputPer1K: 1, OutputPer1K: 2},
	}}

	require.NoError(t, SaveConfig(original, configPath))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestLoadConfigKeepsDefaultsForMissingSections(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server":{"port":9999}}`), 0600))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 1000, cfg.Engine.MaxSteps)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0600))
	_, err = LoadConfig(configPath)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Type = "mongo" }, `unknown storage type "mongo"`},
		{"unknown cache", func(c *Config) { c.Cache.Type = "memcached" }, `unknown cache type "memcached"`},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"retry limit", func(c *Config) { c.LLM.RetryLimit = 0 }, "retry_limit"},
		{"max steps", func(c *Config) { c.Engine.MaxSteps = -1 }, "max_steps"},
		{"max parallel", func(c *Config) { c.Engine.MaxParallel = 0 }, "max_parallel"},
		{"negative step cost", func(c *Config) { c.Credits.StepCost = -1 }, "step_cost"},
		{"grant without amount", func(c *Config) {
			c.Credits.Schedule = "@daily"
			c.Credits.GrantAmount = 0
		}, "grant_amount"},
		{"provider type", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{ID: "x", Type: "cohere"}}
		}, `unknown type "cohere"`},
		{"duplicate provider", func(c *Config) {
			c.LLM.Providers = []ProviderConfig{{Type: "openai"}, {Type: "openai"}}
		}, `duplicate id "openai"`},
		{"webhook url", func(c *Config) {
			c.Webhooks = []webhooks.Config{{Secret: "s"}}
		}, "webhooks[0]: url is required"},
		{"webhook retries", func(c *Config) {
			c.Webhooks = []webhooks.Config{{URL: "http://hooks", Retry: webhooks.RetryConfig{MaxRetries: -1}}}
		}, "max_retries must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ROUTINERUNNER_SERVER_PORT":   "7070",
		"ROUTINERUNNER_STORAGE_TYPE":  "postgres",
		"ROUTINERUNNER_POSTGRES_PORT": "not-a-number",
		"ROUTINERUNNER_CACHE_TYPE":    "redis",
		"ROUTINERUNNER_REDIS_DB":      "2",
		"ROUTINERUNNER_JWT_SECRET":    "s3cret",
		"ROUTINERUNNER_TRACING":       "true",
		"OPENAI_API_KEY":              "sk-env",
		"ANTHROPIC_API_KEY":           "ak-env",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.LLM.Providers = []ProviderConfig{
		{ID: "oa", Type: "openai"},
		{ID: "an", Type: "anthropic", APIKey: "from-file"},
	}
	applyEnv(cfg, lookup)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, 5432, cfg.Storage.Postgres.Port)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Telemetry.Tracing)
	assert.Equal(t, "sk-env", cfg.LLM.Providers[0].APIKey)
	assert.Equal(t, "from-file", cfg.LLM.Providers[1].APIKey)
}
