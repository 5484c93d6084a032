package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, BackendLocal, cfg.Browser.Backend)
	assert.Equal(t, 1366, cfg.Browser.ViewportWidth)
	assert.Equal(t, 2*time.Second, cfg.Navigation.RetryDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Filler.PollInterval)
	assert.Empty(t, cfg.Evidence.Bucket)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper_YAMLOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")

	yamlConfig := []byte(`
environment: development
ratelimit:
  window: 30s
  max_requests: 3
browser:
  backend: docker
evidence:
  bucket: quote-evidence
`)
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.RateLimit.MaxRequests)
	assert.Equal(t, BackendDocker, cfg.Browser.Backend)
	assert.Equal(t, "quote-evidence", cfg.Evidence.Bucket)
}

func TestNewConfigFromViper_EnvironmentFromAppEnv(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "dev" }, "environment must be"},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, "ratelimit.window"},
		{"zero max requests", func(c *Config) { c.RateLimit.MaxRequests = 0 }, "ratelimit.max_requests"},
		{"zero ttl", func(c *Config) { c.Idempotency.TTL = 0 }, "idempotency.ttl"},
		{"bad backend", func(c *Config) { c.Browser.Backend = "remote" }, "browser.backend"},
		{"bad viewport", func(c *Config) { c.Browser.ViewportWidth = 0 }, "viewport"},
		{"bad navigation timeout", func(c *Config) { c.Navigation.Timeout = 0 }, "navigation.timeout"},
		{"bad element wait", func(c *Config) { c.Filler.ElementWait = 0 }, "filler.element_wait"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
