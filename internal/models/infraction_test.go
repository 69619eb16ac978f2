package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfractionKind_Classes(t *testing.T) {
	tests := []struct {
		kind       InfractionKind
		class      SanctionClass
		timed      bool
		reversible bool
	}{
		{KindKick, ClassKick, false, false},
		{KindBan, ClassBan, false, true},
		{KindTempBan, ClassBan, true, true},
		{KindMute, ClassMute, false, true},
		{KindTempMute, ClassMute, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.class, tt.kind.Class())
			assert.Equal(t, tt.timed, tt.kind.TimeLimited())
			assert.Equal(t, tt.reversible, tt.kind.Reversible())
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" TempBan ")
	require.NoError(t, err)
	assert.Equal(t, KindTempBan, k)

	_, err = ParseKind("warn")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestInfraction_DueAt(t *testing.T) {
	expires := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	retry := expires.Add(time.Minute)

	active := &Infraction{Kind: KindTempBan, Status: StatusActive, ExpiresAt: &expires}
	assert.True(t, active.Scheduled())
	assert.Equal(t, expires, active.DueAt())

	errored := &Infraction{Kind: KindTempBan, Status: StatusErrored, ExpiresAt: &expires, RetryAt: &retry}
	assert.True(t, errored.Scheduled())
	assert.Equal(t, retry, errored.DueAt())

	permanent := &Infraction{Kind: KindBan, Status: StatusActive}
	assert.False(t, permanent.Scheduled())

	reversed := &Infraction{Kind: KindTempMute, Status: StatusReversed, ExpiresAt: &expires}
	assert.False(t, reversed.Scheduled())
}

func TestInfractionUpdate_Apply(t *testing.T) {
	now := time.Now().UTC()
	attempts := 2
	msg := "platform unavailable"
	inf := &Infraction{Status: StatusActive, RetryAt: &now}

	InfractionUpdate{Status: StatusErrored, Attempts: &attempts, LastError: &msg}.Apply(inf)
	assert.Equal(t, StatusErrored, inf.Status)
	assert.Equal(t, 2, inf.Attempts)
	assert.Equal(t, msg, inf.LastError)

	upd := InfractionUpdate{Status: StatusReversed, ResolvedAt: &now, ClearRetry: true}
	upd.Apply(inf)
	assert.Nil(t, inf.RetryAt)
	assert.Contains(t, upd.Columns(), "retry_at")
	assert.Nil(t, upd.Columns()["retry_at"])
}

func TestAppError_Is(t *testing.T) {
	err := NewRejectedError("already sanctioned")
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 409, StatusFor(err))
	assert.Equal(t, 404, StatusFor(NewNotFoundError("Infraction", 1)))
	assert.Equal(t, 500, StatusFor(errors.New("boom")))
}
