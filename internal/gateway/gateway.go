package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/observability"

	"github.com/cenkalti/backoff/v5"
	"github.com/disgoorg/snowflake/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Config bounds retries and request rate toward the platform.
type Config struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RateLimit       float64
	RateBurst       int
	StatusCacheSize int
	StatusCacheTTL  time.Duration
}

// DefaultConfig returns conservative gateway settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialBackoff:  250 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		RateLimit:       20,
		RateBurst:       5,
		StatusCacheSize: 4096,
		StatusCacheTTL:  30 * time.Second,
	}
}

// ApplyOutcome is the result variant of Apply.
type ApplyOutcome int

const (
	Applied ApplyOutcome = iota
	ApplyFailed
)

// ApplyResult carries the outcome of Apply and, on failure, why.
type ApplyResult struct {
	Outcome ApplyOutcome
	Reason  string
}

// ReverseOutcome is the result variant of Reverse.
type ReverseOutcome int

const (
	Reversed ReverseOutcome = iota
	// AlreadyClear means the platform already matches the post-reversal state.
	AlreadyClear
	ReverseFailed
)

func (o ReverseOutcome) String() string {
	switch o {
	case Reversed:
		return "reversed"
	case AlreadyClear:
		return "already_clear"
	default:
		return "failed"
	}
}

// ReverseResult carries the outcome of Reverse and, on failure, why.
type ReverseResult struct {
	Outcome ReverseOutcome
	Reason  string
}

// Succeeded reports whether the platform no longer carries the sanction.
func (r ReverseResult) Succeeded() bool {
	return r.Outcome == Reversed || r.Outcome == AlreadyClear
}

type memberKey struct {
	community snowflake.ID
	subject   snowflake.ID
}

// Gateway is the fault-tolerant adapter the moderation core talks to.
// It never returns a Go error from Apply or Reverse; failures are result variants.
type Gateway struct {
	platform Platform
	cfg      Config
	limiter  *rate.Limiter
	status   *expirable.LRU[memberKey, MemberStatus]
	// epoch advances on every invalidation; a fetch that overlapped one is not cached.
	epoch atomic.Uint64
}

// New wraps platform with retry, rate limiting and status caching.
func New(platform Platform, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.StatusCacheSize < 1 {
		cfg.StatusCacheSize = def.StatusCacheSize
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	var cache *expirable.LRU[memberKey, MemberStatus]
	if cfg.StatusCacheTTL > 0 {
		cache = expirable.NewLRU[memberKey, MemberStatus](cfg.StatusCacheSize, nil, cfg.StatusCacheTTL)
	}

	return &Gateway{
		platform: platform,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.RateBurst),
		status:   cache,
	}
}

// Apply places the sanction on the platform.
func (g *Gateway) Apply(ctx context.Context, req SanctionRequest) ApplyResult {
	ctx, span := observability.GetTraceLayer().TraceGatewayCall(ctx, "apply", req.CommunityID.String(), req.SubjectID.String())
	defer span.End()
	defer g.invalidate(req.CommunityID, req.SubjectID)

	err := g.call(ctx, "apply", func(ctx context.Context) error {
		return g.platform.ApplySanction(ctx, req)
	})
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		return ApplyResult{Outcome: ApplyFailed, Reason: err.Error()}
	}
	return ApplyResult{Outcome: Applied}
}

// Reverse lifts the sanction. Nothing to lift is reported as AlreadyClear.
func (g *Gateway) Reverse(ctx context.Context, req SanctionRequest) ReverseResult {
	if !req.Kind.Reversible() {
		return ReverseResult{Outcome: AlreadyClear}
	}

	ctx, span := observability.GetTraceLayer().TraceGatewayCall(ctx, "reverse", req.CommunityID.String(), req.SubjectID.String())
	defer span.End()
	defer g.invalidate(req.CommunityID, req.SubjectID)

	err := g.call(ctx, "reverse", func(ctx context.Context) error {
		return g.platform.ReverseSanction(ctx, req)
	})
	switch {
	case err == nil:
		return ReverseResult{Outcome: Reversed}
	case errors.Is(err, ErrNotSanctioned), errors.Is(err, ErrMemberNotFound):
		return ReverseResult{Outcome: AlreadyClear}
	default:
		observability.RecordErrorInContext(ctx, err)
		return ReverseResult{Outcome: ReverseFailed, Reason: err.Error()}
	}
}

// Status returns the member's sanctions, served from cache when fresh.
func (g *Gateway) Status(ctx context.Context, communityID, subjectID snowflake.ID) (MemberStatus, error) {
	if g.status != nil {
		if st, ok := g.status.Get(memberKey{communityID, subjectID}); ok {
			return st, nil
		}
	}
	return g.fetchStatus(ctx, communityID, subjectID)
}

// FreshStatus always asks the platform. Callers that act on the answer
// (closing a record as drifted) must use it instead of Status.
func (g *Gateway) FreshStatus(ctx context.Context, communityID, subjectID snowflake.ID) (MemberStatus, error) {
	return g.fetchStatus(ctx, communityID, subjectID)
}

func (g *Gateway) fetchStatus(ctx context.Context, communityID, subjectID snowflake.ID) (MemberStatus, error) {
	ctx, span := observability.GetTraceLayer().TraceGatewayCall(ctx, "status", communityID.String(), subjectID.String())
	defer span.End()

	epoch := g.epoch.Load()
	var st MemberStatus
	err := g.call(ctx, "status", func(ctx context.Context) error {
		var err error
		st, err = g.platform.FetchMemberStatus(ctx, communityID, subjectID)
		return err
	})
	if err != nil {
		observability.RecordErrorInContext(ctx, err)
		return MemberStatus{}, err
	}
	if g.status != nil && g.epoch.Load() == epoch {
		g.status.Add(memberKey{communityID, subjectID}, st)
	}
	return st, nil
}

func (g *Gateway) invalidate(communityID, subjectID snowflake.ID) {
	if g.status != nil {
		g.epoch.Add(1)
		g.status.Remove(memberKey{communityID, subjectID})
	}
}

// call runs fn under the rate limiter with bounded exponential backoff.
// Only transient failures are retried; a platform Retry-After overrides the backoff.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	defer observability.TrackGatewayCall(op)()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     g.cfg.InitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         g.cfg.MaxBackoff,
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		err := fn(ctx)
		if err == nil {
			observability.GatewayAttempts.WithLabelValues(op, "ok").Inc()
			return struct{}{}, nil
		}
		if !transient(err) {
			observability.GatewayAttempts.WithLabelValues(op, "permanent").Inc()
			return struct{}{}, backoff.Permanent(err)
		}

		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			observability.GatewayAttempts.WithLabelValues(op, "rate_limited").Inc()
			return struct{}{}, fmt.Errorf("%w (%w)", err, &backoff.RetryAfterError{Duration: rl.RetryAfter})
		}
		observability.GatewayAttempts.WithLabelValues(op, "transient").Inc()
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			middleware.Logger.WarnContext(ctx, "platform call failed, retrying",
				slog.String("operation", op),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	return err
}

// ReverseRequest builds the reversal request for a stored infraction.
func ReverseRequest(inf *models.Infraction) SanctionRequest {
	return SanctionRequest{
		Kind:        inf.Kind,
		CommunityID: inf.CommunityID,
		SubjectID:   inf.SubjectID,
	}
}
