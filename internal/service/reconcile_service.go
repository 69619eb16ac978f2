package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"warden/internal/featureflags"
	"warden/internal/locker"
	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/notifications"
	"warden/internal/observability"
	"warden/internal/repository"

	"github.com/disgoorg/snowflake/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
)

// ReconcileConfig controls the drift-correction sweep.
type ReconcileConfig struct {
	Interval  time.Duration
	BatchSize int
	Policies  PolicySource
	Flags     *featureflags.Manager
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// ReconcileService periodically compares open infractions with the platform
// and closes records whose sanction was lifted outside this system.
type ReconcileService struct {
	repo    repository.InfractionRepository
	gateway SanctionGateway
	sched   ReversalScheduler
	locks   locker.Locker
	events  EventPublisher
	clock   clockwork.Clock
	cfg     ReconcileConfig
}

// NewReconcileService returns a new ReconcileService. events and clock may be nil.
func NewReconcileService(
	repo repository.InfractionRepository,
	gw SanctionGateway,
	sched ReversalScheduler,
	locks locker.Locker,
	events EventPublisher,
	clock clockwork.Clock,
	cfg ReconcileConfig,
) *ReconcileService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.Policies == nil {
		cfg.Policies = staticPolicy{}
	}
	return &ReconcileService{
		repo:    repo,
		gateway: gw,
		sched:   sched,
		locks:   locks,
		events:  events,
		clock:   clock,
		cfg:     cfg,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *ReconcileService) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	middleware.Logger.Info("reconciliation sweep started", slog.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			middleware.Logger.Info("reconciliation sweep stopped")
			return
		case <-ticker.Chan():
			report, err := s.Sweep(ctx)
			if err != nil {
				middleware.Logger.ErrorContext(ctx, "reconciliation sweep aborted", slog.String("error", err.Error()))
				continue
			}
			middleware.Logger.InfoContext(ctx, "reconciliation sweep finished",
				slog.Int("checked", report.Checked),
				slog.Int("corrected", report.Corrected),
				slog.Int("skipped", report.Skipped),
				slog.Int("failed", report.Failed),
			)
		}
	}
}

// Sweep runs one pass over every open ban and mute. Platform failures skip
// the record for this pass; only store failures abort the sweep.
func (s *ReconcileService) Sweep(ctx context.Context) (SweepReport, error) {
	ctx = observability.EnsureCorrelationID(ctx)
	span, ctx := observability.NewSpan(ctx, "reconcile.sweep")
	defer span.End()

	var report SweepReport
	var afterID uint
	for {
		batch, err := s.repo.ListReconcilable(ctx, afterID, s.cfg.BatchSize)
		if err != nil {
			span.SetError(err)
			return report, err
		}

		for i := range batch {
			inf := &batch[i]
			afterID = inf.ID

			if !s.enabled(inf.CommunityID) {
				report.Skipped++
				observability.ReconcileChecked.WithLabelValues("disabled").Inc()
				continue
			}

			st, err := s.gateway.Status(ctx, inf.CommunityID, inf.SubjectID)
			if err != nil {
				report.Failed++
				observability.ReconcileChecked.WithLabelValues("unreachable").Inc()
				middleware.Logger.WarnContext(middleware.WithSubject(ctx, inf.CommunityID, inf.SubjectID),
					"reconciliation could not read member status",
					slog.Uint64("infraction_id", uint64(inf.ID)),
					slog.String("error", err.Error()),
				)
				continue
			}

			report.Checked++
			if st.Sanctioned(inf.Kind.Class()) {
				observability.ReconcileChecked.WithLabelValues("in_sync").Inc()
				continue
			}

			corrected, err := s.correct(ctx, inf.ID)
			if err != nil {
				report.Failed++
				middleware.Logger.WarnContext(ctx, "reconciliation could not correct drift",
					slog.Uint64("infraction_id", uint64(inf.ID)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if corrected {
				report.Corrected++
				observability.ReconcileChecked.WithLabelValues("corrected").Inc()
			}
		}

		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	span.AddAttributes(
		attribute.Int("reconcile.checked", report.Checked),
		attribute.Int("reconcile.corrected", report.Corrected),
	)
	return report, nil
}

func (s *ReconcileService) enabled(communityID snowflake.ID) bool {
	if s.cfg.Policies.PolicyFor(communityID.String()).ReconcileDisabled {
		return false
	}
	return s.cfg.Flags.EnabledOr(featureflags.ReconcileSweep, communityID, true)
}

// correct closes an open record found clear on the platform. The cached
// status that flagged it is re-checked uncached under the member lock, so a
// sanction applied since then is never closed. No reverse call is made
// because there is nothing left to lift.
func (s *ReconcileService) correct(ctx context.Context, id uint) (bool, error) {
	inf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	ctx = middleware.WithInfraction(middleware.WithSubject(ctx, inf.CommunityID, inf.SubjectID), id)

	unlock, err := s.locks.Lock(ctx, inf.LockKey())
	if err != nil {
		return false, err
	}
	defer unlock()

	inf, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if inf.Status != models.StatusActive && inf.Status != models.StatusErrored {
		return false, nil
	}

	st, err := s.gateway.FreshStatus(ctx, inf.CommunityID, inf.SubjectID)
	if err != nil {
		return false, err
	}
	if st.Sanctioned(inf.Kind.Class()) {
		observability.ReconcileChecked.WithLabelValues("in_sync").Inc()
		return false, nil
	}

	now := s.clock.Now().UTC()
	updated, err := s.repo.Update(ctx, id, inf.Status, models.InfractionUpdate{
		Status:     models.StatusReversed,
		ResolvedAt: &now,
		ClearRetry: true,
	})
	if errors.Is(err, repository.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if s.sched != nil {
		s.sched.Cancel(id)
	}
	observability.Reversals.WithLabelValues("drift", "corrected").Inc()
	middleware.Logger.InfoContext(ctx, "drift corrected, sanction was lifted externally",
		slog.String("kind", string(updated.Kind)),
	)

	if s.events != nil {
		ev := notifications.EventFor(notifications.EventDriftCorrected, updated, nil, now)
		if err := s.events.PublishInfraction(ctx, ev); err != nil {
			middleware.Logger.WarnContext(ctx, "failed to publish infraction event", slog.String("error", err.Error()))
		}
	}
	return true, nil
}
