// Package notifications publishes infraction lifecycle events to Redis for mod-log consumers.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"warden/internal/middleware"
	"warden/internal/models"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventIssued         EventType = "infraction.issued"
	EventResolved       EventType = "infraction.resolved"
	EventReversed       EventType = "infraction.reversed"
	EventErrored        EventType = "infraction.errored"
	EventDriftCorrected EventType = "infraction.drift_corrected"
	EventExtended       EventType = "infraction.extended"
)

const channelPrefix = "moderation:infractions:"

// InfractionEvent is the JSON payload published for every transition.
type InfractionEvent struct {
	Type         EventType               `json:"type"`
	InfractionID uint                    `json:"infraction_id"`
	CommunityID  snowflake.ID            `json:"community_id"`
	SubjectID    snowflake.ID            `json:"subject_id"`
	Kind         models.InfractionKind   `json:"kind"`
	Status       models.InfractionStatus `json:"status"`
	ActorID      *snowflake.ID           `json:"actor_id,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	Error        string                  `json:"error,omitempty"`
	At           time.Time               `json:"at"`
}

// EventFor builds an event from the record's current state.
func EventFor(typ EventType, inf *models.Infraction, actor *snowflake.ID, at time.Time) InfractionEvent {
	return InfractionEvent{
		Type:         typ,
		InfractionID: inf.ID,
		CommunityID:  inf.CommunityID,
		SubjectID:    inf.SubjectID,
		Kind:         inf.Kind,
		Status:       inf.Status,
		ActorID:      actor,
		Reason:       inf.Reason,
		ExpiresAt:    inf.ExpiresAt,
		Error:        inf.LastError,
		At:           at.UTC(),
	}
}

// Notifier publishes lifecycle events into Redis channels.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a Notifier. A nil client makes every publish a no-op.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishInfraction sends ev to its community channel.
func (n *Notifier) PublishInfraction(ctx context.Context, ev InfractionEvent) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, CommunityChannel(ev.CommunityID), payload).Err()
}

// StartInfractionSubscriber subscribes to one community, or to all of them when
// communityID is zero, and calls onEvent for each decoded event.
func (n *Notifier) StartInfractionSubscriber(
	ctx context.Context, communityID snowflake.ID, onEvent func(channel string, ev InfractionEvent),
) error {
	if n.rdb == nil {
		return nil
	}

	var sub *redis.PubSub
	if communityID == 0 {
		sub = n.rdb.PSubscribe(ctx, channelPrefix+"*")
	} else {
		sub = n.rdb.Subscribe(ctx, CommunityChannel(communityID))
	}
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev InfractionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					middleware.Logger.Warn("dropping malformed infraction event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							middleware.Logger.Error("panic in infraction subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onEvent(msg.Channel, ev)
				}()
			}
		}
	}()

	return nil
}

// CommunityChannel derives the Redis channel name for a community's events.
func CommunityChannel(communityID snowflake.ID) string {
	return channelPrefix + communityID.String()
}
