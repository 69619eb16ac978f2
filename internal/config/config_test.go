package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:                  "development",
		JWTSecret:            "secure-secret-at-least-32-chars-long",
		DBPassword:           "secure-password",
		DBSSLMode:            "require",
		Port:                 "8080",
		LockBackend:          "memory",
		PlatformToken:        "token",
		MaxSanctionDuration:  24 * time.Hour,
		ReversalRetryInitial: time.Second,
		ReversalRetryMax:     time.Minute,
		GatewayMaxAttempts:   3,
		ReconcileBatchSize:   100,
	}
}

func TestConfig_ValidateSSLMode(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		sslMode     string
		expectError bool
	}{
		{"Production with empty SSL mode", "production", "", true},
		{"Production with disable SSL mode", "production", "disable", true},
		{"Production with require SSL mode", "production", "require", false},
		{"Prod with verify-full SSL mode", "prod", "verify-full", false},
		{"Development with disable SSL mode", "development", "disable", false},
		{"Test with empty SSL mode", "test", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			c.Env = tt.env
			c.DBSSLMode = tt.sslMode

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateModerationSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown lock backend", func(c *Config) { c.LockBackend = "etcd" }},
		{"redis lock without url", func(c *Config) { c.LockBackend = "redis"; c.RedisURL = ""; c.LockTTL = time.Minute }},
		{"redis lock lease too short", func(c *Config) { c.LockBackend = "redis"; c.RedisURL = "localhost:6379"; c.LockTTL = time.Second }},
		{"zero max duration", func(c *Config) { c.MaxSanctionDuration = 0 }},
		{"retry max below initial", func(c *Config) { c.ReversalRetryMax = time.Millisecond }},
		{"zero gateway attempts", func(c *Config) { c.GatewayMaxAttempts = 0 }},
		{"zero batch size", func(c *Config) { c.ReconcileBatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := validConfig()
	c.LockBackend = "redis"
	c.RedisURL = "localhost:6379"
	c.LockTTL = 30 * time.Second
	assert.NoError(t, c.Validate())
}

func TestConfig_PolicyFor(t *testing.T) {
	c := validConfig()
	c.Communities = map[string]CommunityPolicy{
		"100": {MaxSanctionDuration: time.Hour},
		"200": {ReconcileDisabled: true},
	}

	assert.Equal(t, time.Hour, c.PolicyFor("100").MaxSanctionDuration)
	assert.False(t, c.PolicyFor("100").ReconcileDisabled)

	p := c.PolicyFor("200")
	assert.Equal(t, 24*time.Hour, p.MaxSanctionDuration)
	assert.True(t, p.ReconcileDisabled)

	assert.Equal(t, 24*time.Hour, c.PolicyFor("300").MaxSanctionDuration)
}

func TestLoadConfig_Defaults(t *testing.T) {
	defer os.Unsetenv("APP_ENV")
	defer os.Unsetenv("DB_SSLMODE")
	defer os.Unsetenv("REVERSAL_RETRY_MAX")
	defer viper.Reset()

	os.Setenv("APP_ENV", "development")
	os.Setenv("DB_SSLMODE", "  DISABLE  ")
	os.Setenv("REVERSAL_RETRY_MAX", "2h")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "disable", c.DBSSLMode)
	assert.Equal(t, "memory", c.LockBackend)
	assert.Equal(t, 2*time.Hour, c.ReversalRetryMax)
	assert.Equal(t, 30*time.Second, c.ReversalRetryInitial)
	assert.Equal(t, 3, c.GatewayMaxAttempts)
}
