// Package gateway adapts sanction intents onto the community platform's
// membership API with retries, rate limiting and a short-lived status cache.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/models"

	"github.com/disgoorg/snowflake/v2"
)

// Platform is the raw membership API of the community platform.
// Implementations make exactly one attempt per call.
type Platform interface {
	ApplySanction(ctx context.Context, req SanctionRequest) error
	ReverseSanction(ctx context.Context, req SanctionRequest) error
	FetchMemberStatus(ctx context.Context, communityID, subjectID snowflake.ID) (MemberStatus, error)
}

// SanctionRequest describes one sanction to apply or lift.
type SanctionRequest struct {
	Kind        models.InfractionKind
	CommunityID snowflake.ID
	SubjectID   snowflake.ID
	Reason      string
	// Until is advisory for the platform; reversal is always driven by the scheduler.
	Until *time.Time
}

// MemberStatus is the platform's view of a member's sanctions.
type MemberStatus struct {
	Present bool `json:"present"`
	Banned  bool `json:"banned"`
	Muted   bool `json:"muted"`
}

// Sanctioned reports whether the member carries a sanction of class.
func (s MemberStatus) Sanctioned(class models.SanctionClass) bool {
	switch class {
	case models.ClassBan:
		return s.Banned
	case models.ClassMute:
		return s.Muted
	}
	return false
}

var (
	// ErrNotSanctioned means a reverse found nothing to lift.
	ErrNotSanctioned = errors.New("platform: member is not sanctioned")
	// ErrMemberNotFound means the member or community does not exist on the platform.
	ErrMemberNotFound = errors.New("platform: member not found")
	// ErrForbidden means the bot lacks permission for the action.
	ErrForbidden = errors.New("platform: forbidden")
)

// RateLimitError is returned when the platform asks the caller to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}

// StatusError is an unexpected HTTP status from the platform.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform: %s returned %d: %s", e.Op, e.Code, e.Body)
}

// transient reports whether retrying the same call could succeed.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotSanctioned), errors.Is(err, ErrMemberNotFound), errors.Is(err, ErrForbidden):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 && statusErr.Code != 501
	}
	return true
}
