// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// CommunityPolicy overrides moderation settings for a single community.
type CommunityPolicy struct {
	MaxSanctionDuration time.Duration `mapstructure:"MAX_SANCTION_DURATION"`
	ReconcileDisabled   bool          `mapstructure:"RECONCILE_DISABLED"`
}

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags   string `mapstructure:"FEATURE_FLAGS"`

	DBHost                        string `mapstructure:"DB_HOST"`
	DBPort                        string `mapstructure:"DB_PORT"`
	DBUser                        string `mapstructure:"DB_USER"`
	DBPassword                    string `mapstructure:"DB_PASSWORD"`
	DBName                        string `mapstructure:"DB_NAME"`
	DBSSLMode                     string `mapstructure:"DB_SSLMODE"`
	DBSchemaMode                  string `mapstructure:"DB_SCHEMA_MODE"`
	DBAutoMigrateAllowDestructive bool   `mapstructure:"DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE"`
	DBMaxOpenConns                int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns                int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinutes      int    `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`

	RedisURL    string        `mapstructure:"REDIS_URL"`
	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`

	PlatformBaseURL     string        `mapstructure:"PLATFORM_BASE_URL"`
	PlatformToken       string        `mapstructure:"PLATFORM_TOKEN"`
	PlatformTimeout     time.Duration `mapstructure:"PLATFORM_TIMEOUT"`
	PlatformHTTPRetries int           `mapstructure:"PLATFORM_HTTP_RETRIES"`

	GatewayMaxAttempts    int           `mapstructure:"GATEWAY_MAX_ATTEMPTS"`
	GatewayInitialBackoff time.Duration `mapstructure:"GATEWAY_INITIAL_BACKOFF"`
	GatewayMaxBackoff     time.Duration `mapstructure:"GATEWAY_MAX_BACKOFF"`
	GatewayRateLimit      float64       `mapstructure:"GATEWAY_RATE_LIMIT"`
	GatewayRateBurst      int           `mapstructure:"GATEWAY_RATE_BURST"`
	StatusCacheSize       int           `mapstructure:"STATUS_CACHE_SIZE"`
	StatusCacheTTL        time.Duration `mapstructure:"STATUS_CACHE_TTL"`

	MaxSanctionDuration  time.Duration `mapstructure:"MAX_SANCTION_DURATION"`
	ReversalRetryInitial time.Duration `mapstructure:"REVERSAL_RETRY_INITIAL"`
	ReversalRetryMax     time.Duration `mapstructure:"REVERSAL_RETRY_MAX"`
	RehydrateHorizon     time.Duration `mapstructure:"REHYDRATE_HORIZON"`
	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileBatchSize   int           `mapstructure:"RECONCILE_BATCH_SIZE"`

	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint        string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSamplerRatio float64 `mapstructure:"TRACING_SAMPLER_RATIO"`

	// Communities is keyed by the decimal community snowflake.
	Communities map[string]CommunityPolicy `mapstructure:"COMMUNITIES"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional; env vars and defaults are enough to boot.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.DBSSLMode = strings.ToLower(strings.TrimSpace(config.DBSSLMode))
	config.LockBackend = strings.ToLower(strings.TrimSpace(config.LockBackend))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("FEATURE_FLAGS", "")

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "warden")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_SCHEMA_MODE", "hybrid")
	viper.SetDefault("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE", false)
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 5)

	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("LOCK_BACKEND", "memory")
	viper.SetDefault("LOCK_TTL", "30s")

	viper.SetDefault("PLATFORM_BASE_URL", "http://localhost:9000/api")
	viper.SetDefault("PLATFORM_TOKEN", "")
	viper.SetDefault("PLATFORM_TIMEOUT", "10s")
	viper.SetDefault("PLATFORM_HTTP_RETRIES", 2)

	viper.SetDefault("GATEWAY_MAX_ATTEMPTS", 3)
	viper.SetDefault("GATEWAY_INITIAL_BACKOFF", "250ms")
	viper.SetDefault("GATEWAY_MAX_BACKOFF", "5s")
	viper.SetDefault("GATEWAY_RATE_LIMIT", 20.0)
	viper.SetDefault("GATEWAY_RATE_BURST", 5)
	viper.SetDefault("STATUS_CACHE_SIZE", 4096)
	viper.SetDefault("STATUS_CACHE_TTL", "30s")

	viper.SetDefault("MAX_SANCTION_DURATION", "8760h")
	viper.SetDefault("REVERSAL_RETRY_INITIAL", "30s")
	viper.SetDefault("REVERSAL_RETRY_MAX", "1h")
	viper.SetDefault("REHYDRATE_HORIZON", "168h")
	viper.SetDefault("RECONCILE_INTERVAL", "15m")
	viper.SetDefault("RECONCILE_BATCH_SIZE", 200)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

// IsProduction reports whether the config targets a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// PolicyFor returns the effective policy for a community, falling back to the global limits.
func (c *Config) PolicyFor(communityID string) CommunityPolicy {
	policy := CommunityPolicy{MaxSanctionDuration: c.MaxSanctionDuration}
	override, ok := c.Communities[communityID]
	if !ok {
		return policy
	}
	if override.MaxSanctionDuration > 0 {
		policy.MaxSanctionDuration = override.MaxSanctionDuration
	}
	policy.ReconcileDisabled = override.ReconcileDisabled
	return policy
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.DBConnMaxLifetimeMinutes < 0 {
		return errors.New("DB_CONN_MAX_LIFETIME_MINUTES must not be negative")
	}
	switch c.LockBackend {
	case "", "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when LOCK_BACKEND=redis")
		}
		// Leases renew every LOCK_TTL/3.
		if c.LockTTL < 3*time.Second {
			return errors.New("LOCK_TTL must be at least 3s when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.LockBackend)
	}
	if c.MaxSanctionDuration <= 0 {
		return errors.New("MAX_SANCTION_DURATION must be positive")
	}
	if c.ReversalRetryInitial <= 0 || c.ReversalRetryMax < c.ReversalRetryInitial {
		return errors.New("REVERSAL_RETRY_MAX must be at least REVERSAL_RETRY_INITIAL, and both positive")
	}
	if c.GatewayMaxAttempts < 1 {
		return errors.New("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReconcileBatchSize < 1 {
		return errors.New("RECONCILE_BATCH_SIZE must be at least 1")
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			return errors.New("DB_SSLMODE must enable TLS in production")
		}
		if c.PlatformToken == "" {
			return errors.New("PLATFORM_TOKEN is required in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
