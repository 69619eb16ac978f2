package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"warden/internal/gateway"
	"warden/internal/locker"
	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/notifications"
	"warden/internal/observability"
	"warden/internal/repository"
	"warden/internal/scheduler"
	"warden/internal/validation"

	"github.com/disgoorg/snowflake/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
)

const defaultHistoryLimit = 50

// ModerationConfig is the lifecycle policy handed to the coordinator at construction.
type ModerationConfig struct {
	// MaxSanctionDuration applies when Policies is nil.
	MaxSanctionDuration time.Duration
	Policies            PolicySource
	// ReversalRetryInitial and ReversalRetryMax bound the Errored re-attempt backoff.
	ReversalRetryInitial time.Duration
	ReversalRetryMax     time.Duration
	// RehydrateHorizon splits startup loading into overdue and future windows.
	RehydrateHorizon time.Duration
}

func (c ModerationConfig) withDefaults() ModerationConfig {
	if c.MaxSanctionDuration <= 0 {
		c.MaxSanctionDuration = 365 * 24 * time.Hour
	}
	if c.Policies == nil {
		c.Policies = staticPolicy{maxDuration: c.MaxSanctionDuration}
	}
	if c.ReversalRetryInitial <= 0 {
		c.ReversalRetryInitial = 30 * time.Second
	}
	if c.ReversalRetryMax < c.ReversalRetryInitial {
		c.ReversalRetryMax = c.ReversalRetryInitial
	}
	if c.RehydrateHorizon < 0 {
		c.RehydrateHorizon = 0
	}
	return c
}

// IssueInput is the input for issuing a sanction.
type IssueInput struct {
	Kind        models.InfractionKind
	SubjectID   snowflake.ID
	CommunityID snowflake.ID
	IssuerID    snowflake.ID
	Reason      string
	// Duration is required for time-limited kinds and rejected for the rest.
	Duration time.Duration
}

// ModerationService coordinates the store, the platform gateway and the
// expiry scheduler. Every mutation of one member's sanction class runs under
// that member's lock.
type ModerationService struct {
	repo    repository.InfractionRepository
	gateway SanctionGateway
	sched   ReversalScheduler
	locks   locker.Locker
	events  EventPublisher
	clock   clockwork.Clock
	cfg     ModerationConfig
}

// NewModerationService returns a new ModerationService. events and clock may be nil.
func NewModerationService(
	repo repository.InfractionRepository,
	gw SanctionGateway,
	locks locker.Locker,
	events EventPublisher,
	clock clockwork.Clock,
	cfg ModerationConfig,
) *ModerationService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ModerationService{
		repo:    repo,
		gateway: gw,
		locks:   locks,
		events:  events,
		clock:   clock,
		cfg:     cfg.withDefaults(),
	}
}

// AttachScheduler wires the scheduler after construction; the scheduler's
// callback is the service's HandleExpiry, so the two are built in sequence.
func (s *ModerationService) AttachScheduler(sched ReversalScheduler) {
	s.sched = sched
}

func (s *ModerationService) schedule(id uint, due time.Time) {
	if s.sched != nil {
		s.sched.Register(id, due)
	}
}

func (s *ModerationService) unschedule(id uint) {
	if s.sched != nil {
		s.sched.Cancel(id)
	}
}

func (s *ModerationService) now() time.Time {
	return s.clock.Now().UTC()
}

// IssueSanction applies a sanction on the platform and records it.
func (s *ModerationService) IssueSanction(ctx context.Context, in IssueInput) (*models.Infraction, error) {
	reason, err := s.validateIssue(in)
	if err != nil {
		return nil, err
	}

	ctx = middleware.WithSubject(ctx, in.CommunityID, in.SubjectID)
	span, ctx := observability.NewSpan(ctx, "moderation.issue")
	defer span.End()
	span.AddAttributes(attribute.String("infraction.kind", string(in.Kind)))

	unlock, err := s.locks.Lock(ctx, models.SubjectLockKey(in.CommunityID, in.SubjectID, in.Kind.Class()))
	if err != nil {
		span.SetError(err)
		return nil, models.NewInternalError(fmt.Errorf("acquire member lock: %w", err))
	}
	defer unlock()

	if in.Kind.Reversible() {
		open, err := s.repo.ListOpen(ctx, in.CommunityID, in.SubjectID, in.Kind.Class())
		if err != nil {
			span.SetError(err)
			return nil, models.NewInternalError(err)
		}
		if len(open) > 0 {
			observability.SanctionsIssued.WithLabelValues(string(in.Kind), "conflict").Inc()
			middleware.Logger.InfoContext(ctx, "sanction rejected, member already sanctioned",
				slog.Uint64("existing_id", uint64(open[0].ID)),
			)
			return nil, models.NewRejectedError("already sanctioned")
		}
	}

	now := s.now()
	var expiresAt *time.Time
	if in.Kind.TimeLimited() {
		exp := now.Add(in.Duration)
		expiresAt = &exp
	}

	req := gateway.SanctionRequest{
		Kind:        in.Kind,
		CommunityID: in.CommunityID,
		SubjectID:   in.SubjectID,
		Reason:      reason,
		Until:       expiresAt,
	}
	if res := s.gateway.Apply(ctx, req); res.Outcome != gateway.Applied {
		observability.SanctionsIssued.WithLabelValues(string(in.Kind), "gateway_failed").Inc()
		middleware.Logger.WarnContext(ctx, "platform refused sanction", slog.String("reason", res.Reason))
		return nil, models.NewRejectedError("platform apply failed: " + res.Reason)
	}

	inf := &models.Infraction{
		SubjectID:   in.SubjectID,
		CommunityID: in.CommunityID,
		Kind:        in.Kind,
		Status:      models.StatusActive,
		Reason:      reason,
		IssuerID:    in.IssuerID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	if !in.Kind.Reversible() {
		// A kick has no lasting external state to reverse.
		issuer := in.IssuerID
		inf.Status = models.StatusResolved
		inf.ResolvedAt = &now
		inf.ResolvedBy = &issuer
	}

	if err := s.repo.Create(ctx, inf); err != nil {
		span.SetError(err)
		if errors.Is(err, repository.ErrConflict) {
			// Another process recorded an open sanction first; its platform state is the same as ours.
			observability.SanctionsIssued.WithLabelValues(string(in.Kind), "conflict").Inc()
			return nil, models.NewRejectedError("already sanctioned")
		}
		s.compensate(ctx, req)
		return nil, models.NewInternalError(fmt.Errorf("record infraction: %w", err))
	}

	ctx = middleware.WithInfraction(ctx, inf.ID)
	if inf.Scheduled() {
		s.schedule(inf.ID, inf.DueAt())
	}

	observability.SanctionsIssued.WithLabelValues(string(in.Kind), "issued").Inc()
	middleware.Logger.InfoContext(ctx, "sanction issued",
		slog.String("kind", string(inf.Kind)),
		slog.String("issuer_id", in.IssuerID.String()),
	)
	s.publish(ctx, notifications.EventIssued, inf, &in.IssuerID)
	return inf, nil
}

func (s *ModerationService) validateIssue(in IssueInput) (string, error) {
	if !in.Kind.Valid() {
		return "", models.NewValidationError(fmt.Sprintf("unknown infraction kind %q", in.Kind))
	}
	if in.SubjectID == 0 || in.CommunityID == 0 || in.IssuerID == 0 {
		return "", models.NewValidationError("subject, community and issuer ids are required")
	}
	reason, err := validation.ValidateReason(in.Reason)
	if err != nil {
		return "", models.NewValidationError(err.Error())
	}

	if !in.Kind.TimeLimited() {
		if in.Duration != 0 {
			return "", models.NewValidationError(fmt.Sprintf("%s does not take a duration", in.Kind))
		}
		return reason, nil
	}
	if in.Duration <= 0 {
		return "", models.NewValidationError(fmt.Sprintf("%s requires a positive duration", in.Kind))
	}
	if limit := s.cfg.Policies.PolicyFor(in.CommunityID.String()).MaxSanctionDuration; limit > 0 && in.Duration > limit {
		return "", models.NewValidationError(fmt.Sprintf("duration exceeds the community maximum of %s", limit))
	}
	return reason, nil
}

// compensate lifts a sanction whose ledger record could not be written.
func (s *ModerationService) compensate(ctx context.Context, req gateway.SanctionRequest) {
	if !req.Kind.Reversible() {
		return
	}
	res := s.gateway.Reverse(ctx, req)
	observability.Reversals.WithLabelValues("compensation", res.Outcome.String()).Inc()
	if !res.Succeeded() {
		middleware.Logger.ErrorContext(ctx, "sanction applied without a ledger record and could not be lifted",
			slog.String("kind", string(req.Kind)),
			slog.String("reason", res.Reason),
		)
	}
}

// ManualReverse lifts a sanction on a moderator's request and marks it Resolved.
func (s *ModerationService) ManualReverse(ctx context.Context, id uint, issuerID snowflake.ID) (*models.Infraction, error) {
	ctx = middleware.WithInfraction(ctx, id)
	span, ctx := observability.NewSpan(ctx, "moderation.manual_reverse")
	defer span.End()

	inf, unlock, err := s.lockRecord(ctx, id)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	defer unlock()

	if inf.Status.Terminal() {
		return nil, models.NewAlreadyResolvedError(id)
	}

	res := s.gateway.Reverse(ctx, gateway.ReverseRequest(inf))
	observability.Reversals.WithLabelValues("manual", res.Outcome.String()).Inc()
	if !res.Succeeded() {
		middleware.Logger.WarnContext(ctx, "manual reversal failed on platform", slog.String("reason", res.Reason))
		return nil, models.NewGatewayError("reverse", res.Reason)
	}

	now := s.now()
	updated, err := s.repo.Update(ctx, id, inf.Status, models.InfractionUpdate{
		Status:     models.StatusResolved,
		ResolvedAt: &now,
		ResolvedBy: &issuerID,
		ClearRetry: true,
	})
	switch {
	case errors.Is(err, repository.ErrConflict):
		middleware.Logger.InfoContext(ctx, "infraction closed concurrently during manual reversal")
		s.unschedule(id)
		return s.repo.GetByID(ctx, id)
	case err != nil:
		span.SetError(err)
		return nil, models.NewInternalError(err)
	}

	s.unschedule(id)
	middleware.Logger.InfoContext(ctx, "sanction reversed manually",
		slog.String("issuer_id", issuerID.String()),
		slog.String("outcome", res.Outcome.String()),
	)
	s.publish(ctx, notifications.EventResolved, updated, &issuerID)
	return updated, nil
}

// HandleExpiry is the scheduler callback for a due infraction.
func (s *ModerationService) HandleExpiry(ctx context.Context, id uint) {
	ctx = observability.EnsureCorrelationID(ctx)
	fields := map[string]interface{}{"infraction_id": id}
	observability.LogAsyncOperationStart(ctx, "expire_infraction", fields)
	if err := s.expire(ctx, id); err != nil {
		observability.LogAsyncOperationError(ctx, "expire_infraction", err, fields)
		return
	}
	observability.LogAsyncOperationEnd(ctx, "expire_infraction", fields)
}

func (s *ModerationService) expire(ctx context.Context, id uint) error {
	span, ctx := observability.NewSpan(ctx, "moderation.expire")
	defer span.End()

	inf, unlock, err := s.lockRecord(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		span.SetError(err)
		s.schedule(id, s.now().Add(s.cfg.ReversalRetryInitial))
		return err
	}
	defer unlock()

	if !inf.Scheduled() {
		return nil
	}
	now := s.now()
	if due := inf.DueAt(); due.After(now) {
		// Extended since this entry was queued.
		s.schedule(id, due)
		return nil
	}

	res := s.gateway.Reverse(ctx, gateway.ReverseRequest(inf))
	observability.Reversals.WithLabelValues("expiry", res.Outcome.String()).Inc()
	if !res.Succeeded() {
		return s.markErrored(ctx, inf, res.Reason)
	}

	updated, err := s.repo.Update(ctx, id, inf.Status, models.InfractionUpdate{
		Status:     models.StatusReversed,
		ResolvedAt: &now,
		ClearRetry: true,
	})
	switch {
	case errors.Is(err, repository.ErrConflict):
		return nil
	case err != nil:
		span.SetError(err)
		s.schedule(id, now.Add(s.cfg.ReversalRetryInitial))
		return fmt.Errorf("mark reversed: %w", err)
	}

	middleware.Logger.InfoContext(ctx, "sanction expired",
		slog.String("kind", string(updated.Kind)),
		slog.String("outcome", res.Outcome.String()),
	)
	s.publish(ctx, notifications.EventReversed, updated, nil)
	return nil
}

// markErrored records a failed automatic reversal and queues the next attempt.
func (s *ModerationService) markErrored(ctx context.Context, inf *models.Infraction, reason string) error {
	attempts := inf.Attempts + 1
	retryAt := s.now().Add(s.retryDelay(attempts))

	updated, err := s.repo.Update(ctx, inf.ID, inf.Status, models.InfractionUpdate{
		Status:    models.StatusErrored,
		Attempts:  &attempts,
		RetryAt:   &retryAt,
		LastError: &reason,
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	// The record is still open either way, so the retry stays queued.
	s.schedule(inf.ID, retryAt)
	if err != nil {
		return fmt.Errorf("mark errored: %w", err)
	}

	middleware.Logger.WarnContext(ctx, "automatic reversal failed, retry scheduled",
		slog.Int("attempts", attempts),
		slog.Time("retry_at", retryAt),
		slog.String("reason", reason),
	)
	s.publish(ctx, notifications.EventErrored, updated, nil)
	return nil
}

// retryDelay doubles from ReversalRetryInitial per attempt, capped at ReversalRetryMax.
func (s *ModerationService) retryDelay(attempts int) time.Duration {
	delay := s.cfg.ReversalRetryInitial
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.ReversalRetryMax {
			return s.cfg.ReversalRetryMax
		}
	}
	return delay
}

// ExtendSanction moves an active temporary sanction's expiry forward by extra.
func (s *ModerationService) ExtendSanction(ctx context.Context, id uint, extra time.Duration, issuerID snowflake.ID) (*models.Infraction, error) {
	if extra <= 0 {
		return nil, models.NewValidationError("extension must be positive")
	}
	ctx = middleware.WithInfraction(ctx, id)
	span, ctx := observability.NewSpan(ctx, "moderation.extend")
	defer span.End()

	inf, unlock, err := s.lockRecord(ctx, id)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	defer unlock()

	if inf.Status.Terminal() {
		return nil, models.NewAlreadyResolvedError(id)
	}
	if inf.Status != models.StatusActive || !inf.Kind.TimeLimited() || inf.ExpiresAt == nil {
		return nil, models.NewValidationError("only active temporary sanctions can be extended")
	}

	expiresAt := inf.ExpiresAt.Add(extra).UTC()
	limit := s.cfg.Policies.PolicyFor(inf.CommunityID.String()).MaxSanctionDuration
	if limit > 0 && expiresAt.Sub(inf.IssuedAt) > limit {
		return nil, models.NewValidationError(fmt.Sprintf("extended duration exceeds the community maximum of %s", limit))
	}

	updated, err := s.repo.Update(ctx, id, models.StatusActive, models.InfractionUpdate{ExpiresAt: &expiresAt})
	switch {
	case errors.Is(err, repository.ErrConflict):
		return nil, models.NewRejectedError("infraction changed while extending")
	case err != nil:
		span.SetError(err)
		return nil, models.NewInternalError(err)
	}

	s.schedule(id, expiresAt)
	middleware.Logger.InfoContext(ctx, "sanction extended",
		slog.Duration("extra", extra),
		slog.Time("expires_at", expiresAt),
	)
	s.publish(ctx, notifications.EventExtended, updated, &issuerID)
	return updated, nil
}

// Get returns one infraction.
func (s *ModerationService) Get(ctx context.Context, id uint) (*models.Infraction, error) {
	return s.repo.GetByID(ctx, id)
}

// History returns a member's infractions, newest first.
func (s *ModerationService) History(ctx context.Context, communityID, subjectID snowflake.ID, limit int) ([]models.Infraction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	list, err := s.repo.ListBySubject(ctx, communityID, subjectID, limit)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return list, nil
}

// Rehydrate rebuilds the scheduler from the store: everything due before
// now+horizon, then everything after it. It returns the number of entries.
func (s *ModerationService) Rehydrate(ctx context.Context) (int, error) {
	if s.sched == nil {
		return 0, errors.New("rehydrate: no scheduler attached")
	}
	horizon := s.now().Add(s.cfg.RehydrateHorizon)

	due, err := s.repo.ListDueBefore(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("load due infractions: %w", err)
	}
	later, err := s.repo.ListDueAfter(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("load future infractions: %w", err)
	}

	entries := make([]scheduler.Entry, 0, len(due)+len(later))
	for _, list := range [][]models.Infraction{due, later} {
		for i := range list {
			entries = append(entries, scheduler.Entry{InfractionID: list[i].ID, DueAt: list[i].DueAt()})
		}
	}
	s.sched.Rehydrate(entries)
	return len(entries), nil
}

// lockRecord loads id, takes its member lock and re-reads it under the lock.
func (s *ModerationService) lockRecord(ctx context.Context, id uint) (*models.Infraction, func(), error) {
	inf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ctx = middleware.WithSubject(ctx, inf.CommunityID, inf.SubjectID)

	unlock, err := s.locks.Lock(ctx, inf.LockKey())
	if err != nil {
		return nil, nil, models.NewInternalError(fmt.Errorf("acquire member lock: %w", err))
	}
	inf, err = s.repo.GetByID(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return inf, unlock, nil
}

func (s *ModerationService) publish(ctx context.Context, typ notifications.EventType, inf *models.Infraction, actor *snowflake.ID) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishInfraction(ctx, notifications.EventFor(typ, inf, actor, s.now())); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to publish infraction event",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
