// Package seed provides helpers to create demo infraction history for
// development databases. These helpers are intended for development and
// testing only.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/disgoorg/snowflake/v2"
	"gorm.io/gorm"
)

// Options configures the seeder.
type Options struct {
	Communities int
	Subjects    int // per community
	MaxHistory  int // past infractions per subject
	MaxDays     int // how far back history reaches
	Seed        int64
	Clean       bool
	Now         time.Time
}

func (o Options) withDefaults() Options {
	if o.Communities <= 0 {
		o.Communities = 3
	}
	if o.Subjects <= 0 {
		o.Subjects = 25
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 4
	}
	if o.MaxDays <= 0 {
		o.MaxDays = 90
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	o.Now = o.Now.UTC()
	return o
}

// Report summarizes what a seeding run created.
type Report struct {
	Created int
	Active  int
}

// Factory builds infractions and persists them through the repository.
type Factory struct {
	repo  repository.InfractionRepository
	faker *gofakeit.Faker
	opts  Options
}

// NewFactory creates a Factory bound to db.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	opts = opts.withDefaults()
	return &Factory{
		repo:  repository.NewInfractionRepository(db),
		faker: gofakeit.New(opts.Seed),
		opts:  opts,
	}
}

// Infractions seeds terminal history for every subject and leaves roughly a
// third of them with one open time-limited sanction.
func Infractions(db *gorm.DB, opts Options) (Report, error) {
	f := NewFactory(db, opts)
	if f.opts.Clean {
		if err := db.Exec("DELETE FROM infractions").Error; err != nil {
			return Report{}, fmt.Errorf("clean infractions: %w", err)
		}
	}

	ctx := context.Background()
	var report Report
	for c := 0; c < f.opts.Communities; c++ {
		community := f.snowflake()
		moderators := []snowflake.ID{f.snowflake(), f.snowflake(), f.snowflake()}

		for s := 0; s < f.opts.Subjects; s++ {
			subject := f.snowflake()
			n, err := f.history(ctx, community, subject, moderators)
			if err != nil {
				return report, err
			}
			report.Created += n

			if f.faker.Number(0, 2) == 0 {
				if err := f.active(ctx, community, subject, moderators); err != nil {
					return report, err
				}
				report.Created++
				report.Active++
			}
		}
	}

	middleware.Logger.Info("seeded infractions",
		slog.Int("created", report.Created),
		slog.Int("active", report.Active),
	)
	return report, nil
}

// history writes already-closed infractions spread across MaxDays.
func (f *Factory) history(ctx context.Context, community, subject snowflake.ID, mods []snowflake.ID) (int, error) {
	count := f.faker.Number(0, f.opts.MaxHistory)
	kinds := []models.InfractionKind{models.KindKick, models.KindTempBan, models.KindTempMute, models.KindMute}

	for i := 0; i < count; i++ {
		kind := kinds[f.faker.Number(0, len(kinds)-1)]
		issued := f.opts.Now.Add(-time.Duration(f.faker.Number(2, f.opts.MaxDays*24)) * time.Hour)
		issuer := mods[f.faker.Number(0, len(mods)-1)]

		inf := &models.Infraction{
			SubjectID:   subject,
			CommunityID: community,
			Kind:        kind,
			Reason:      f.faker.Sentence(6),
			IssuerID:    issuer,
			IssuedAt:    issued,
		}

		resolvedAt := issued.Add(time.Duration(f.faker.Number(1, 48)) * time.Hour)
		switch {
		case kind == models.KindKick:
			inf.Status = models.StatusResolved
			inf.ResolvedAt = &issued
			inf.ResolvedBy = &issuer
		case kind.TimeLimited():
			inf.Status = models.StatusReversed
			inf.ExpiresAt = &resolvedAt
			inf.ResolvedAt = &resolvedAt
		default:
			inf.Status = models.StatusResolved
			inf.ResolvedAt = &resolvedAt
			inf.ResolvedBy = &issuer
		}

		if err := f.repo.Create(ctx, inf); err != nil {
			return i, fmt.Errorf("seed history: %w", err)
		}
	}
	return count, nil
}

// active writes one open time-limited sanction expiring within the next week.
func (f *Factory) active(ctx context.Context, community, subject snowflake.ID, mods []snowflake.ID) error {
	kind := models.KindTempMute
	if f.faker.Bool() {
		kind = models.KindTempBan
	}
	issued := f.opts.Now.Add(-time.Duration(f.faker.Number(1, 60)) * time.Minute)
	expires := f.opts.Now.Add(time.Duration(f.faker.Number(1, 7*24)) * time.Hour)

	inf := &models.Infraction{
		SubjectID:   subject,
		CommunityID: community,
		Kind:        kind,
		Status:      models.StatusActive,
		Reason:      f.faker.Sentence(6),
		IssuerID:    mods[f.faker.Number(0, len(mods)-1)],
		IssuedAt:    issued,
		ExpiresAt:   &expires,
	}
	if err := f.repo.Create(ctx, inf); err != nil {
		return fmt.Errorf("seed active: %w", err)
	}
	return nil
}

// snowflake returns a positive id that fits a signed bigint column.
func (f *Factory) snowflake() snowflake.ID {
	return snowflake.ID(f.faker.Number(1_000_000_000, 2_000_000_000)) << 22
}
