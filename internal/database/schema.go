package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"warden/internal/config"
	"warden/internal/middleware"
	"warden/internal/models"

	"gorm.io/gorm"
)

const (
	SchemaModeHybrid = "hybrid"
	SchemaModeSQL    = "sql"
	SchemaModeAuto   = "auto"
)

// SchemaStatus describes what ApplySchema would do and what the ledger
// currently looks like.
type SchemaStatus struct {
	Mode               string
	Environment        string
	WillRunSQL         bool
	WillRunAutoMigrate bool
	AppliedVersions    []int
	PendingMigrations  []Migration
	// InfractionsTable is false before the first migration.
	InfractionsTable bool
	// MissingIndexes lists open-sanction indexes that are not in place. The
	// store accepts duplicate open sanctions until they are.
	MissingIndexes []string
}

// Ready reports whether the ledger can safely accept writes.
func (s *SchemaStatus) Ready() bool {
	return s.InfractionsTable && len(s.MissingIndexes) == 0
}

func isProdLikeEnv(env string) bool {
	e := strings.ToLower(strings.TrimSpace(env))
	return e == "production" || e == "prod" || e == "staging" || e == "stage"
}

func normalizedSchemaMode(cfg *config.Config) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.DBSchemaMode))
	if mode == "" {
		return SchemaModeHybrid
	}
	return mode
}

func schemaPolicy(cfg *config.Config) (runSQL bool, runAuto bool, err error) {
	mode := normalizedSchemaMode(cfg)
	prodLike := isProdLikeEnv(cfg.Env)

	switch mode {
	case SchemaModeSQL:
		return true, false, nil
	case SchemaModeAuto:
		if prodLike && !cfg.DBAutoMigrateAllowDestructive {
			return false, false, fmt.Errorf("refusing DB_SCHEMA_MODE=auto in %q without DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true", cfg.Env)
		}
		return false, true, nil
	case SchemaModeHybrid:
		return true, !prodLike, nil
	default:
		return false, false, fmt.Errorf("unsupported DB_SCHEMA_MODE %q", mode)
	}
}

// autoMigrate syncs the gorm models and adds the partial indexes struct tags cannot declare.
func autoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(PersistentModels()...); err != nil {
		return err
	}
	return ensureSanctionIndexes(ctx, db)
}

// ApplySchema brings the infractions ledger up to date under the configured
// schema mode and refuses to continue if the open-sanction indexes are absent.
func ApplySchema(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	runSQL, runAuto, err := schemaPolicy(cfg)
	if err != nil {
		return err
	}
	mode := normalizedSchemaMode(cfg)

	if runSQL {
		if err := RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("run sql migrations: %w", err)
		}
	}

	if runAuto {
		if mode == SchemaModeAuto && cfg.DBAutoMigrateAllowDestructive {
			middleware.Logger.Warn("DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true set for DB_SCHEMA_MODE=auto; review schema diffs before production deployment")
		}
		middleware.Logger.Info("syncing infraction models", slog.String("mode", mode), slog.String("env", cfg.Env))
		if err := autoMigrate(ctx, db); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
	}

	if missing := missingSanctionIndexes(db); len(missing) > 0 {
		return fmt.Errorf("schema is missing open-sanction indexes %s", strings.Join(missing, ", "))
	}
	return nil
}

// GetSchemaStatus inspects db without changing it.
func GetSchemaStatus(ctx context.Context, db *gorm.DB, cfg *config.Config) (*SchemaStatus, error) {
	runSQL, runAuto, err := schemaPolicy(cfg)
	if err != nil {
		return nil, err
	}

	status := &SchemaStatus{
		Mode:               normalizedSchemaMode(cfg),
		Environment:        cfg.Env,
		WillRunSQL:         runSQL,
		WillRunAutoMigrate: runAuto,
		InfractionsTable:   db.Migrator().HasTable(&models.Infraction{}),
	}
	if status.InfractionsTable {
		status.MissingIndexes = missingSanctionIndexes(db)
	} else {
		for _, ix := range OpenSanctionIndexes() {
			status.MissingIndexes = append(status.MissingIndexes, ix.Name)
		}
	}

	applied, err := NewMigrationStore(db).GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	status.AppliedVersions = applied
	status.PendingMigrations = pendingMigrations(GetMigrations(), applied)
	return status, nil
}

func pendingMigrations(set []Migration, applied []int) []Migration {
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	var pending []Migration
	for _, m := range set {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}
