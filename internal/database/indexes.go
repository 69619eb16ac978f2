package database

import (
	"context"
	"fmt"
	"strings"

	"warden/internal/models"

	"gorm.io/gorm"
)

// SanctionIndex is a partial unique index allowing at most one open
// (Active or Errored) sanction of one class per member.
type SanctionIndex struct {
	Name  string
	Class models.SanctionClass
}

// OpenSanctionIndexes lists the indexes the ledger relies on to reject a
// second open ban or mute. Migration 000002 creates the same indexes.
func OpenSanctionIndexes() []SanctionIndex {
	return []SanctionIndex{
		{Name: "idx_infractions_open_ban", Class: models.ClassBan},
		{Name: "idx_infractions_open_mute", Class: models.ClassMute},
	}
}

// CreateSQL renders an idempotent statement valid on Postgres and SQLite.
func (ix SanctionIndex) CreateSQL() string {
	var kinds []string
	for _, k := range models.ReversibleKinds() {
		if k.Class() == ix.Class {
			kinds = append(kinds, "'"+string(k)+"'")
		}
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (community_id, subject_id) WHERE status IN ('%s', '%s') AND kind IN (%s)",
		ix.Name, models.Infraction{}.TableName(), models.StatusActive, models.StatusErrored, strings.Join(kinds, ", "),
	)
}

// ensureSanctionIndexes creates the open-sanction indexes AutoMigrate cannot
// express as struct tags (they are partial over a kind set).
func ensureSanctionIndexes(ctx context.Context, db *gorm.DB) error {
	for _, ix := range OpenSanctionIndexes() {
		if err := db.WithContext(ctx).Exec(ix.CreateSQL()).Error; err != nil {
			return fmt.Errorf("create index %s: %w", ix.Name, err)
		}
	}
	return nil
}

// missingSanctionIndexes names the open-sanction indexes absent from db.
func missingSanctionIndexes(db *gorm.DB) []string {
	var missing []string
	for _, ix := range OpenSanctionIndexes() {
		if !db.Migrator().HasIndex(&models.Infraction{}, ix.Name) {
			missing = append(missing, ix.Name)
		}
	}
	return missing
}
