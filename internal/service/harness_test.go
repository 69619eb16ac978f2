package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/gateway"
	"warden/internal/locker"
	"warden/internal/models"
	"warden/internal/notifications"
	"warden/internal/repository"
	"warden/internal/scheduler"
	"warden/internal/testutil"

	"github.com/disgoorg/snowflake/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	community snowflake.ID = 1
	subject   snowflake.ID = 42
	issuer    snowflake.ID = 7
)

type eventRecorder struct {
	mu     sync.Mutex
	events []notifications.InfractionEvent
}

func (r *eventRecorder) PublishInfraction(_ context.Context, ev notifications.InfractionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []notifications.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notifications.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	clock     *clockwork.FakeClock
	platform  *testutil.FakePlatform
	repo      repository.InfractionRepository
	sched     *scheduler.Scheduler
	svc       *ModerationService
	reconcile *ReconcileService
	events    *eventRecorder
	dbPath    string
}

func testPolicies() *config.Config {
	return &config.Config{
		MaxSanctionDuration: 30 * 24 * time.Hour,
		Communities: map[string]config.CommunityPolicy{
			"2": {MaxSanctionDuration: time.Hour},
			"3": {ReconcileDisabled: true},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	_, path := testutil.NewTestDB(t)
	return openHarness(t, path, clockwork.NewFakeClockAt(t0), testutil.NewFakePlatform())
}

// openHarness builds a fresh process around an existing database file and platform.
func openHarness(t *testing.T, path string, clock *clockwork.FakeClock, platform *testutil.FakePlatform) *harness {
	t.Helper()
	return openHarnessWith(t, path, clock, platform, gateway.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
}

func openHarnessWith(t *testing.T, path string, clock *clockwork.FakeClock, platform *testutil.FakePlatform, gwCfg gateway.Config) *harness {
	t.Helper()
	db := testutil.OpenTestDB(t, path)
	repo := repository.NewInfractionRepository(db)
	gw := gateway.New(platform, gwCfg)
	locks := locker.NewKeyedMutex()
	events := &eventRecorder{}
	policies := testPolicies()

	svc := NewModerationService(repo, gw, locks, events, clock, ModerationConfig{
		Policies:             policies,
		ReversalRetryInitial: 30 * time.Second,
		ReversalRetryMax:     2 * time.Minute,
		RehydrateHorizon:     time.Hour,
	})
	sched := scheduler.New(clock, svc.HandleExpiry)
	svc.AttachScheduler(sched)

	rec := NewReconcileService(repo, gw, sched, locks, events, clock, ReconcileConfig{
		Interval:  time.Minute,
		BatchSize: 2,
		Policies:  policies,
	})

	return &harness{
		clock:     clock,
		platform:  platform,
		repo:      repo,
		sched:     sched,
		svc:       svc,
		reconcile: rec,
		events:    events,
		dbPath:    path,
	}
}

func (h *harness) issue(t *testing.T, kind models.InfractionKind, subjectID snowflake.ID, d time.Duration) *models.Infraction {
	t.Helper()
	inf, err := h.svc.IssueSanction(context.Background(), IssueInput{
		Kind:        kind,
		SubjectID:   subjectID,
		CommunityID: community,
		IssuerID:    issuer,
		Reason:      "spam",
		Duration:    d,
	})
	require.NoError(t, err)
	return inf
}

func (h *harness) get(t *testing.T, id uint) *models.Infraction {
	t.Helper()
	inf, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return inf
}

// fire advances the clock and runs every reversal that became due.
func (h *harness) fire(d time.Duration) int {
	h.clock.Advance(d)
	n := h.sched.FireDue(context.Background())
	h.sched.Wait()
	return n
}

// requireInvariant checks that every scheduled record has exactly one live entry.
func (h *harness) requireInvariant(t *testing.T) {
	t.Helper()
	n, err := h.repo.CountScheduled(context.Background())
	require.NoError(t, err)
	require.Equal(t, int(n), h.sched.Len(), "scheduled records and scheduler entries diverged")
}

func requireTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	require.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func snowflakeOffset(i int) snowflake.ID {
	return snowflake.ID(i * 1000)
}
