// Package service holds the moderation core: the coordinator that issues and
// reverses sanctions, and the reconciliation sweep that corrects drift.
package service

import (
	"context"
	"time"

	"warden/internal/config"
	"warden/internal/gateway"
	"warden/internal/notifications"
	"warden/internal/scheduler"

	"github.com/disgoorg/snowflake/v2"
)

// SanctionGateway is the fault-tolerant platform adapter.
type SanctionGateway interface {
	Apply(ctx context.Context, req gateway.SanctionRequest) gateway.ApplyResult
	Reverse(ctx context.Context, req gateway.SanctionRequest) gateway.ReverseResult
	// Status may be served from cache; FreshStatus always asks the platform.
	Status(ctx context.Context, communityID, subjectID snowflake.ID) (gateway.MemberStatus, error)
	FreshStatus(ctx context.Context, communityID, subjectID snowflake.ID) (gateway.MemberStatus, error)
}

// ReversalScheduler tracks pending reversals in memory.
type ReversalScheduler interface {
	Register(infractionID uint, due time.Time)
	Cancel(infractionID uint)
	Rehydrate(entries []scheduler.Entry)
}

// EventPublisher receives lifecycle events for the mod log.
type EventPublisher interface {
	PublishInfraction(ctx context.Context, ev notifications.InfractionEvent) error
}

// PolicySource resolves per-community policy.
type PolicySource interface {
	PolicyFor(communityID string) config.CommunityPolicy
}

type staticPolicy struct {
	maxDuration time.Duration
}

func (p staticPolicy) PolicyFor(string) config.CommunityPolicy {
	return config.CommunityPolicy{MaxSanctionDuration: p.maxDuration}
}
