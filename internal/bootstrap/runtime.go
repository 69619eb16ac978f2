// Package bootstrap wires configuration into the running moderation object graph.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"warden/internal/cache"
	"warden/internal/config"
	"warden/internal/database"
	"warden/internal/featureflags"
	"warden/internal/gateway"
	"warden/internal/locker"
	"warden/internal/middleware"
	"warden/internal/notifications"
	"warden/internal/repository"
	"warden/internal/scheduler"
	"warden/internal/seed"
	"warden/internal/service"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	SeedDemo bool
}

// InitRuntime connects to DB and Redis and optionally seeds demo history.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := database.ApplySchema(context.Background(), db, cfg); err != nil {
		return nil, nil, fmt.Errorf("schema apply failed: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemo {
		if _, err := seed.Infractions(db, seed.Options{}); err != nil {
			return nil, nil, fmt.Errorf("failed to seed demo infractions: %w", err)
		}
	}

	return db, r, nil
}

// Deps are the already-initialized resources the moderation graph is built on.
type Deps struct {
	DB    *gorm.DB
	Redis *redis.Client
	// Platform overrides the HTTP platform client built from config.
	Platform gateway.Platform
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Moderation is the fully wired moderation core.
type Moderation struct {
	Repo      repository.InfractionRepository
	Gateway   *gateway.Gateway
	Locks     locker.Locker
	Notifier  *notifications.Notifier
	Flags     *featureflags.Manager
	Scheduler *scheduler.Scheduler
	Service   *service.ModerationService
	Reconcile *service.ReconcileService
}

// NewModeration builds the store, gateway, locker, scheduler and services.
// The scheduler is not started; callers run Rehydrate and then Scheduler.Run.
func NewModeration(cfg *config.Config, deps Deps) (*Moderation, error) {
	if deps.DB == nil {
		return nil, errors.New("bootstrap: database is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	locks, err := newLocker(cfg, deps.Redis)
	if err != nil {
		return nil, err
	}

	platform := deps.Platform
	if platform == nil {
		platform = gateway.NewHTTPPlatform(gateway.HTTPConfig{
			BaseURL: cfg.PlatformBaseURL,
			Token:   cfg.PlatformToken,
			Timeout: cfg.PlatformTimeout,
			Retries: cfg.PlatformHTTPRetries,
		})
	}

	gw := gateway.New(platform, gateway.Config{
		MaxAttempts:     cfg.GatewayMaxAttempts,
		InitialBackoff:  cfg.GatewayInitialBackoff,
		MaxBackoff:      cfg.GatewayMaxBackoff,
		RateLimit:       cfg.GatewayRateLimit,
		RateBurst:       cfg.GatewayRateBurst,
		StatusCacheSize: cfg.StatusCacheSize,
		StatusCacheTTL:  cfg.StatusCacheTTL,
	})

	m := &Moderation{
		Repo:    repository.NewInfractionRepository(deps.DB),
		Gateway: gw,
		Locks:   locks,
		Flags:   featureflags.NewManager(cfg.FeatureFlags),
	}

	var events service.EventPublisher
	if deps.Redis != nil {
		m.Notifier = notifications.NewNotifier(deps.Redis)
		events = m.Notifier
	}

	m.Service = service.NewModerationService(m.Repo, gw, locks, events, clock, service.ModerationConfig{
		MaxSanctionDuration:  cfg.MaxSanctionDuration,
		Policies:             cfg,
		ReversalRetryInitial: cfg.ReversalRetryInitial,
		ReversalRetryMax:     cfg.ReversalRetryMax,
		RehydrateHorizon:     cfg.RehydrateHorizon,
	})
	m.Scheduler = scheduler.New(clock, m.Service.HandleExpiry)
	m.Service.AttachScheduler(m.Scheduler)

	m.Reconcile = service.NewReconcileService(m.Repo, gw, m.Scheduler, locks, events, clock, service.ReconcileConfig{
		Interval:  cfg.ReconcileInterval,
		BatchSize: cfg.ReconcileBatchSize,
		Policies:  cfg,
		Flags:     m.Flags,
	})

	return m, nil
}

func newLocker(cfg *config.Config, rdb *redis.Client) (locker.Locker, error) {
	switch cfg.LockBackend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("bootstrap: LOCK_BACKEND=redis but redis is unavailable")
		}
		middleware.Logger.Info("using redis member locks", slog.Duration("ttl", cfg.LockTTL))
		return locker.NewRedisLocker(rdb, cfg.LockTTL), nil
	default:
		return locker.NewKeyedMutex(), nil
	}
}
