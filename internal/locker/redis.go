package locker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"warden/internal/middleware"
	"warden/internal/observability"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if this holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLockTimeout is returned when the lock could not be acquired before ctx ended.
var ErrLockTimeout = errors.New("locker: timed out waiting for lock")

// RedisLocker is a Locker shared by every process pointing at the same Redis.
// The TTL bounds how long a crashed holder can block others; a live holder
// renews its lease every TTL/3 until it unlocks, so a slow platform call
// cannot let a second process into the same member section.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker returns a RedisLocker whose keys expire after ttl.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "lock:moderation:"}
}

// Lock polls SET NX with jittered backoff until acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	redisKey := l.prefix + key
	token := uuid.NewString()

	ctx, span := observability.GetTraceLayer().TraceRedisOperation(ctx, "lock")
	defer span.End()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          1.5,
		MaxInterval:         250 * time.Millisecond,
	}
	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			observability.RedisErrorRate.WithLabelValues("lock").Inc()
			return false, backoff.Permanent(fmt.Errorf("acquire lock %s: %w", key, err))
		}
		if !ok {
			return false, ErrLockTimeout
		}
		return true, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		return nil, err
	}
	observability.LockWait.WithLabelValues("redis").Observe(time.Since(start).Seconds())

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(key, redisKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed

			// Release must outlive a cancelled request context.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				observability.RedisErrorRate.WithLabelValues("unlock").Inc()
				middleware.Logger.Warn("failed to release moderation lock",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

// renew keeps the lease alive until stop closes or ownership is lost.
func (l *RedisLocker) renew(key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			// Transient; the lease still has two thirds of its TTL left at the next tick.
			observability.RedisErrorRate.WithLabelValues("lock_renew").Inc()
			middleware.Logger.Warn("failed to renew moderation lock",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		case n == 0:
			observability.RedisErrorRate.WithLabelValues("lock_lost").Inc()
			middleware.Logger.Error("moderation lock lease lost while held", slog.String("key", key))
			return
		}
	}
}
