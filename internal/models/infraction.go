package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// InfractionKind is the disciplinary action an infraction records.
type InfractionKind string

const (
	KindKick     InfractionKind = "kick"
	KindBan      InfractionKind = "ban"
	KindTempBan  InfractionKind = "tempban"
	KindMute     InfractionKind = "mute"
	KindTempMute InfractionKind = "tempmute"
)

// SanctionClass groups kinds that are mutually exclusive for one member.
type SanctionClass string

const (
	ClassKick SanctionClass = "kick"
	ClassBan  SanctionClass = "ban"
	ClassMute SanctionClass = "mute"
)

// InfractionStatus is the lifecycle state of an infraction.
type InfractionStatus string

const (
	// StatusActive is the only non-terminal state an infraction is created in.
	StatusActive InfractionStatus = "active"
	// StatusResolved marks a manual reversal by a moderator.
	StatusResolved InfractionStatus = "resolved"
	// StatusReversed marks an automatic reversal (expiry or detected drift).
	StatusReversed InfractionStatus = "reversed"
	// StatusErrored marks an automatic reversal that failed and is being re-attempted.
	StatusErrored InfractionStatus = "errored"
)

// ParseKind converts user input into an InfractionKind.
func ParseKind(s string) (InfractionKind, error) {
	k := InfractionKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", NewValidationError(fmt.Sprintf("unknown sanction kind %q", s))
	}
	return k, nil
}

// Valid reports whether k is one of the supported kinds.
func (k InfractionKind) Valid() bool {
	switch k {
	case KindKick, KindBan, KindTempBan, KindMute, KindTempMute:
		return true
	}
	return false
}

// TimeLimited reports whether infractions of this kind carry an expiry.
func (k InfractionKind) TimeLimited() bool {
	return k == KindTempBan || k == KindTempMute
}

// Class returns the exclusivity class of the kind.
func (k InfractionKind) Class() SanctionClass {
	switch k {
	case KindBan, KindTempBan:
		return ClassBan
	case KindMute, KindTempMute:
		return ClassMute
	default:
		return ClassKick
	}
}

// Reversible reports whether the kind leaves persistent external state.
func (k InfractionKind) Reversible() bool {
	return k.Class() != ClassKick
}

// ReversibleKinds lists every kind that leaves external state behind.
func ReversibleKinds() []InfractionKind {
	return []InfractionKind{KindBan, KindTempBan, KindMute, KindTempMute}
}

// Terminal reports whether the status can never return to Active.
func (s InfractionStatus) Terminal() bool {
	return s == StatusResolved || s == StatusReversed
}

// Infraction is a recorded disciplinary action against a community member.
type Infraction struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	SubjectID   snowflake.ID     `gorm:"type:bigint;not null;index:idx_infractions_subject,priority:1" json:"subject_id"`
	CommunityID snowflake.ID     `gorm:"type:bigint;not null;index:idx_infractions_subject,priority:2" json:"community_id"`
	Kind        InfractionKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Status      InfractionStatus `gorm:"type:varchar(16);not null;index:idx_infractions_subject,priority:3" json:"status"`
	Reason      string           `gorm:"type:text;default:''" json:"reason"`
	IssuerID    snowflake.ID     `gorm:"type:bigint;not null" json:"issuer_id"`
	IssuedAt    time.Time        `gorm:"not null" json:"issued_at"`
	ExpiresAt   *time.Time       `gorm:"index" json:"expires_at,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy  *snowflake.ID    `gorm:"type:bigint" json:"resolved_by,omitempty"`
	Attempts    int              `gorm:"not null;default:0" json:"attempts"`
	RetryAt     *time.Time       `gorm:"index" json:"retry_at,omitempty"`
	LastError   string           `gorm:"type:text;default:''" json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (Infraction) TableName() string {
	return "infractions"
}

// Scheduled reports whether the infraction must have a live scheduler entry.
func (i *Infraction) Scheduled() bool {
	switch i.Status {
	case StatusActive:
		return i.Kind.TimeLimited() && i.ExpiresAt != nil
	case StatusErrored:
		return i.RetryAt != nil || i.ExpiresAt != nil
	}
	return false
}

// DueAt is when the scheduler should next act on the infraction.
func (i *Infraction) DueAt() time.Time {
	if i.Status == StatusErrored && i.RetryAt != nil {
		return *i.RetryAt
	}
	if i.ExpiresAt != nil {
		return *i.ExpiresAt
	}
	return time.Time{}
}

// LockKey identifies the per-member critical section for the infraction's class.
func (i *Infraction) LockKey() string {
	return SubjectLockKey(i.CommunityID, i.SubjectID, i.Kind.Class())
}

// SubjectLockKey builds the key serializing operations on one member and sanction class.
func SubjectLockKey(communityID, subjectID snowflake.ID, class SanctionClass) string {
	return fmt.Sprintf("%s:%s:%s", communityID, subjectID, class)
}

// InfractionUpdate is the set of fields a conditional update may change.
type InfractionUpdate struct {
	Status     InfractionStatus
	ExpiresAt  *time.Time
	ResolvedAt *time.Time
	ResolvedBy *snowflake.ID
	Attempts   *int
	RetryAt    *time.Time
	ClearRetry bool
	LastError  *string
}

// Columns converts the update into a column map for the store.
func (u InfractionUpdate) Columns() map[string]any {
	cols := map[string]any{}
	if u.Status != "" {
		cols["status"] = u.Status
	}
	if u.ExpiresAt != nil {
		cols["expires_at"] = *u.ExpiresAt
	}
	if u.ResolvedAt != nil {
		cols["resolved_at"] = *u.ResolvedAt
	}
	if u.ResolvedBy != nil {
		cols["resolved_by"] = *u.ResolvedBy
	}
	if u.Attempts != nil {
		cols["attempts"] = *u.Attempts
	}
	if u.RetryAt != nil {
		cols["retry_at"] = *u.RetryAt
	} else if u.ClearRetry {
		cols["retry_at"] = nil
	}
	if u.LastError != nil {
		cols["last_error"] = *u.LastError
	}
	return cols
}

// Apply copies the update onto an in-memory record.
func (u InfractionUpdate) Apply(inf *Infraction) {
	if u.Status != "" {
		inf.Status = u.Status
	}
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		inf.ExpiresAt = &t
	}
	if u.ResolvedAt != nil {
		t := *u.ResolvedAt
		inf.ResolvedAt = &t
	}
	if u.ResolvedBy != nil {
		id := *u.ResolvedBy
		inf.ResolvedBy = &id
	}
	if u.Attempts != nil {
		inf.Attempts = *u.Attempts
	}
	if u.RetryAt != nil {
		t := *u.RetryAt
		inf.RetryAt = &t
	} else if u.ClearRetry {
		inf.RetryAt = nil
	}
	if u.LastError != nil {
		inf.LastError = *u.LastError
	}
}
