package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"warden/internal/models"
	"warden/internal/observability"

	"github.com/disgoorg/snowflake/v2"
	"gorm.io/gorm"
)

const infractionsTable = "infractions"

// InfractionRepository is the durable ledger of infractions. Records are
// never deleted; every status change goes through Update's expected-status guard.
type InfractionRepository interface {
	Create(ctx context.Context, inf *models.Infraction) error
	GetByID(ctx context.Context, id uint) (*models.Infraction, error)
	// ListActive returns the Active records for one member, oldest first.
	ListActive(ctx context.Context, communityID, subjectID snowflake.ID) ([]models.Infraction, error)
	// ListOpen returns Active or Errored records of one sanction class for a member.
	ListOpen(ctx context.Context, communityID, subjectID snowflake.ID, class models.SanctionClass) ([]models.Infraction, error)
	// Update applies upd only if the record is still in status expected.
	// A mismatch returns ErrConflict and leaves the record untouched.
	Update(ctx context.Context, id uint, expected models.InfractionStatus, upd models.InfractionUpdate) (*models.Infraction, error)
	// ListDueBefore returns scheduled records due at or before t, ascending by due time then id.
	ListDueBefore(ctx context.Context, t time.Time) ([]models.Infraction, error)
	// ListDueAfter returns scheduled records due strictly after t, ascending by due time then id.
	ListDueAfter(ctx context.Context, t time.Time) ([]models.Infraction, error)
	// ListReconcilable pages through open ban and mute records with id > afterID.
	ListReconcilable(ctx context.Context, afterID uint, limit int) ([]models.Infraction, error)
	ListBySubject(ctx context.Context, communityID, subjectID snowflake.ID, limit int) ([]models.Infraction, error)
	// CountScheduled counts records that must hold a live scheduler entry.
	CountScheduled(ctx context.Context) (int64, error)
}

type infractionRepository struct {
	db     *gorm.DB
	logger *observability.RepoLogger
	tracer *observability.TraceLayer
}

// NewInfractionRepository returns a gorm-backed InfractionRepository.
func NewInfractionRepository(db *gorm.DB) InfractionRepository {
	return &infractionRepository{
		db:     db,
		logger: observability.NewRepoLogger(infractionsTable),
		tracer: observability.GetTraceLayer(),
	}
}

func timedKinds() []models.InfractionKind {
	return []models.InfractionKind{models.KindTempBan, models.KindTempMute}
}

func classKinds(class models.SanctionClass) []models.InfractionKind {
	var kinds []models.InfractionKind
	for _, k := range models.ReversibleKinds() {
		if k.Class() == class {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// scheduled narrows a query to records the scheduler must track.
func scheduled(db *gorm.DB) *gorm.DB {
	return db.Where(
		"(status = ? AND kind IN ? AND expires_at IS NOT NULL) OR status = ?",
		models.StatusActive, timedKinds(), models.StatusErrored,
	)
}

func (r *infractionRepository) Create(ctx context.Context, inf *models.Infraction) error {
	ctx, span := r.tracer.TraceRepositoryMethod(ctx, "Create", infractionsTable)
	defer span.End()
	defer observability.TrackQuery("create", infractionsTable)()

	inf.IssuedAt = inf.IssuedAt.UTC()
	if inf.ExpiresAt != nil {
		t := inf.ExpiresAt.UTC()
		inf.ExpiresAt = &t
	}

	if err := r.db.WithContext(ctx).Create(inf).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		r.logger.LogError(ctx, err, "create")
		return fmt.Errorf("create infraction: %w", err)
	}

	r.logger.LogCreate(ctx, map[string]interface{}{
		"infraction_id": inf.ID,
		"kind":          inf.Kind,
		"community_id":  inf.CommunityID.String(),
		"subject_id":    inf.SubjectID.String(),
	})
	return nil
}

func (r *infractionRepository) GetByID(ctx context.Context, id uint) (*models.Infraction, error) {
	ctx, span := r.tracer.TraceRepositoryMethod(ctx, "GetByID", infractionsTable)
	defer span.End()
	defer observability.TrackQuery("get", infractionsTable)()

	var inf models.Infraction
	if err := r.db.WithContext(ctx).First(&inf, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Infraction", id)
		}
		return nil, fmt.Errorf("get infraction %d: %w", id, err)
	}
	r.logger.LogRead(ctx, map[string]interface{}{"infraction_id": id})
	return &inf, nil
}

func (r *infractionRepository) ListActive(ctx context.Context, communityID, subjectID snowflake.ID) ([]models.Infraction, error) {
	defer observability.TrackQuery("list_active", infractionsTable)()

	var out []models.Infraction
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND community_id = ? AND status = ?", subjectID, communityID, models.StatusActive).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list active infractions: %w", err)
	}
	return out, nil
}

func (r *infractionRepository) ListOpen(ctx context.Context, communityID, subjectID snowflake.ID, class models.SanctionClass) ([]models.Infraction, error) {
	defer observability.TrackQuery("list_open", infractionsTable)()

	kinds := classKinds(class)
	if len(kinds) == 0 {
		return nil, nil
	}

	var out []models.Infraction
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND community_id = ?", subjectID, communityID).
		Where("status IN ? AND kind IN ?", []models.InfractionStatus{models.StatusActive, models.StatusErrored}, kinds).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list open infractions: %w", err)
	}
	return out, nil
}

func (r *infractionRepository) Update(ctx context.Context, id uint, expected models.InfractionStatus, upd models.InfractionUpdate) (*models.Infraction, error) {
	ctx, span := r.tracer.TraceRepositoryMethod(ctx, "Update", infractionsTable)
	defer span.End()
	defer observability.TrackQuery("update", infractionsTable)()

	cols := upd.Columns()
	if len(cols) == 0 {
		return nil, fmt.Errorf("update infraction %d: empty mutation", id)
	}

	res := r.db.WithContext(ctx).
		Model(&models.Infraction{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(cols)
	if res.Error != nil {
		r.logger.LogError(ctx, res.Error, "update")
		return nil, fmt.Errorf("update infraction %d: %w", id, res.Error)
	}

	var inf models.Infraction
	if err := r.db.WithContext(ctx).First(&inf, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Infraction", id)
		}
		return nil, fmt.Errorf("reload infraction %d: %w", id, err)
	}

	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}

	r.logger.LogUpdate(ctx, map[string]interface{}{
		"infraction_id": id,
		"from":          expected,
		"to":            inf.Status,
	})
	return &inf, nil
}

func (r *infractionRepository) ListDueBefore(ctx context.Context, t time.Time) ([]models.Infraction, error) {
	defer observability.TrackQuery("list_due_before", infractionsTable)()
	return r.listDue(ctx, "<=", t)
}

func (r *infractionRepository) ListDueAfter(ctx context.Context, t time.Time) ([]models.Infraction, error) {
	defer observability.TrackQuery("list_due_after", infractionsTable)()
	return r.listDue(ctx, ">", t)
}

// listDue filters scheduled records on their effective due time, which for
// Errored records is retry_at rather than expires_at.
func (r *infractionRepository) listDue(ctx context.Context, op string, t time.Time) ([]models.Infraction, error) {
	t = t.UTC()
	var out []models.Infraction
	err := r.db.WithContext(ctx).
		Where(
			"(status = ? AND kind IN ? AND expires_at "+op+" ?) OR (status = ? AND COALESCE(retry_at, expires_at) "+op+" ?)",
			models.StatusActive, timedKinds(), t, models.StatusErrored, t,
		).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list due infractions: %w", err)
	}

	slices.SortFunc(out, func(a, b models.Infraction) int {
		if c := a.DueAt().Compare(b.DueAt()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r *infractionRepository) ListReconcilable(ctx context.Context, afterID uint, limit int) ([]models.Infraction, error) {
	defer observability.TrackQuery("list_reconcilable", infractionsTable)()

	var out []models.Infraction
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Where("status IN ? AND kind IN ?",
			[]models.InfractionStatus{models.StatusActive, models.StatusErrored},
			models.ReversibleKinds(),
		).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list reconcilable infractions: %w", err)
	}
	return out, nil
}

func (r *infractionRepository) ListBySubject(ctx context.Context, communityID, subjectID snowflake.ID, limit int) ([]models.Infraction, error) {
	defer observability.TrackQuery("list_by_subject", infractionsTable)()

	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var out []models.Infraction
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND community_id = ?", subjectID, communityID).
		Order("issued_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list infractions by subject: %w", err)
	}
	return out, nil
}

func (r *infractionRepository) CountScheduled(ctx context.Context) (int64, error) {
	var n int64
	if err := scheduled(r.db.WithContext(ctx).Model(&models.Infraction{})).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count scheduled infractions: %w", err)
	}
	return n, nil
}
