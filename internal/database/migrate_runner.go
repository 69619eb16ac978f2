package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"warden/internal/middleware"

	"gorm.io/gorm"
)

// MigrationStore records which migrations have been applied.
type MigrationStore interface {
	GetAppliedMigrations(ctx context.Context) ([]int, error)
	ApplyMigration(ctx context.Context, m Migration) error
	RevertMigration(ctx context.Context, m Migration) error
}

type migrationStore struct {
	db *gorm.DB
}

// MigrationLog is one applied migration.
type MigrationLog struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"size:255;not null"`
	AppliedAt time.Time `gorm:"autoCreateTime;index"`
}

// TableName returns the database table name for MigrationLog.
func (MigrationLog) TableName() string {
	return "migration_logs"
}

// NewMigrationStore creates a new MigrationStore instance.
func NewMigrationStore(db *gorm.DB) MigrationStore {
	return &migrationStore{db: db}
}

func (s *migrationStore) GetAppliedMigrations(ctx context.Context) ([]int, error) {
	var versions []int
	err := s.db.WithContext(ctx).Model(&MigrationLog{}).Order("version ASC").Pluck("version", &versions).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || isMissingTableError(err) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("get applied migrations: %w", err)
	}
	return versions, nil
}

// isMissingTableError matches the Postgres and SQLite wording for an absent table.
func isMissingTableError(err error) bool {
	msg := err.Error()
	return (strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist")) ||
		strings.Contains(msg, "no such table")
}

// ApplyMigration runs the up script and records it in one transaction, so a
// failed script leaves neither schema changes nor a log row behind.
func (s *migrationStore) ApplyMigration(ctx context.Context, m Migration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(m.UpScript).Error; err != nil {
			return fmt.Errorf("apply migration %s: %w", m.String(), err)
		}
		if err := tx.Create(&MigrationLog{Version: m.Version, Name: m.Name}).Error; err != nil {
			return fmt.Errorf("record migration %s: %w", m.String(), err)
		}
		return nil
	})
}

func (s *migrationStore) RevertMigration(ctx context.Context, m Migration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(m.DownScript).Error; err != nil {
			return fmt.Errorf("revert migration %s: %w", m.String(), err)
		}
		if err := tx.Where("version = ?", m.Version).Delete(&MigrationLog{}).Error; err != nil {
			return fmt.Errorf("remove migration record %s: %w", m.String(), err)
		}
		return nil
	})
}

// RunMigrations applies every pending embedded migration in version order.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	if registerErr != nil {
		return registerErr
	}
	return runMigrations(ctx, db, registered)
}

func runMigrations(ctx context.Context, db *gorm.DB, set []Migration) error {
	if err := db.WithContext(ctx).AutoMigrate(&MigrationLog{}); err != nil {
		return fmt.Errorf("ensure migration log table: %w", err)
	}

	store := NewMigrationStore(db)
	applied, err := store.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if err := validateAppliedVersions(applied, set); err != nil {
		return err
	}

	for _, m := range pendingMigrations(set, applied) {
		middleware.Logger.Info("applying migration", slog.Int("version", m.Version), slog.String("name", m.Name))
		if err := store.ApplyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func validateAppliedVersions(applied []int, set []Migration) error {
	var unknown []string
	for _, version := range applied {
		if findMigration(set, version) == nil {
			unknown = append(unknown, fmt.Sprintf("%06d", version))
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	return fmt.Errorf(
		"migration_logs contains versions this build does not know: %s (the database is newer than the binary)",
		strings.Join(unknown, ", "),
	)
}

// RollbackMigration reverts version, which must be the most recently applied
// migration. Rolling back 000002 drops the open-sanction indexes, after which
// ApplySchema refuses to start until they are restored.
func RollbackMigration(ctx context.Context, db *gorm.DB, version int) error {
	if registerErr != nil {
		return registerErr
	}
	return rollbackMigration(ctx, db, registered, version)
}

func rollbackMigration(ctx context.Context, db *gorm.DB, set []Migration, version int) error {
	m := findMigration(set, version)
	if m == nil {
		return fmt.Errorf("migration version %d not found", version)
	}

	store := NewMigrationStore(db)
	applied, err := store.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(applied, version) {
		return fmt.Errorf("migration %s has not been applied", m.String())
	}
	if latest := slices.Max(applied); latest != version {
		return fmt.Errorf("migration %s is not the latest applied (%06d); roll back in order", m.String(), latest)
	}

	middleware.Logger.Info("rolling back migration", slog.Int("version", version), slog.String("name", m.Name))
	return store.RevertMigration(ctx, *m)
}
