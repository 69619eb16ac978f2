package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"warden/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(sqlite.Open(filepath.Join(t.TempDir(), "migrate.db")), &config.Config{DBMaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// sqliteSet is a small migration chain SQLite can run; the embedded
// scripts target Postgres.
func sqliteSet() []Migration {
	return []Migration{
		{Version: 1, Name: "notes", UpScript: "CREATE TABLE notes (id INTEGER PRIMARY KEY)", DownScript: "DROP TABLE notes"},
		{Version: 2, Name: "notes_body", UpScript: "ALTER TABLE notes ADD COLUMN body TEXT", DownScript: "ALTER TABLE notes DROP COLUMN body"},
	}
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/000002_b.up.sql":   {Data: []byte("B")},
		"m/000002_b.down.sql": {Data: []byte("-B")},
		"m/000001_a.up.sql":   {Data: []byte("A")},
		"m/000001_a.down.sql": {Data: []byte("-A")},
		"m/README.md":         {Data: []byte("ignored")},
	}
	set, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "000001_a", set[0].String())
	assert.Equal(t, "-B", set[1].DownScript)

	tests := []struct {
		name string
		fsys fstest.MapFS
		want string
	}{
		{"missing down script", fstest.MapFS{"m/000001_a.up.sql": {Data: []byte("A")}}, "no down script"},
		{"no label", fstest.MapFS{"m/000001.up.sql": {}, "m/000001.down.sql": {}}, "expected NNNNNN_name"},
		{"bad version", fstest.MapFS{"m/abc_a.up.sql": {}, "m/abc_a.down.sql": {}}, "invalid version"},
		{"duplicate version", fstest.MapFS{
			"m/000001_a.up.sql": {}, "m/000001_a.down.sql": {},
			"m/000001_b.up.sql": {}, "m/000001_b.down.sql": {},
		}, "already used"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.fsys, "m")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRunMigrations_AppliesPendingOnce(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	set := sqliteSet()

	require.NoError(t, runMigrations(ctx, db, set[:1]))
	require.NoError(t, runMigrations(ctx, db, set))
	require.NoError(t, runMigrations(ctx, db, set))

	applied, err := NewMigrationStore(db).GetAppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)
	assert.True(t, db.Migrator().HasColumn("notes", "body"))
}

func TestRunMigrations_FailedScriptIsNotRecorded(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	set := append(sqliteSet(), Migration{Version: 3, Name: "broken", UpScript: "ALTER TABLE nope ADD COLUMN x TEXT", DownScript: ""})

	err := runMigrations(ctx, db, set)
	require.ErrorContains(t, err, "000003_broken")

	applied, err := NewMigrationStore(db).GetAppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)
}

func TestRunMigrations_RejectsUnknownAppliedVersion(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, runMigrations(ctx, db, sqliteSet()))

	err := runMigrations(ctx, db, sqliteSet()[:1])
	assert.ErrorContains(t, err, "000002")
}

func TestRollbackMigration_LatestOnly(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	set := sqliteSet()
	require.NoError(t, runMigrations(ctx, db, set))

	assert.ErrorContains(t, rollbackMigration(ctx, db, set, 1), "not the latest")
	assert.ErrorContains(t, rollbackMigration(ctx, db, set, 9), "not found")

	require.NoError(t, rollbackMigration(ctx, db, set, 2))
	assert.False(t, db.Migrator().HasColumn("notes", "body"))
	assert.ErrorContains(t, rollbackMigration(ctx, db, set, 2), "has not been applied")

	applied, err := NewMigrationStore(db).GetAppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, applied)
}

func TestGetAppliedMigrations_SQLiteMissingTable(t *testing.T) {
	versions, err := NewMigrationStore(openSQLite(t)).GetAppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, versions)
}
