// Package testutil provides shared test doubles and fixtures for backend tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"warden/internal/config"
	"warden/internal/database"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewTestDB opens a fresh file-backed SQLite database with the schema applied.
// It returns the file path so tests can reopen it to simulate a restart.
func NewTestDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.db")
	return OpenTestDB(t, path), path
}

// OpenTestDB opens (or reopens) the SQLite database at path and migrates it.
func OpenTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()

	cfg := &config.Config{Env: "test", DBSchemaMode: database.SchemaModeAuto, DBMaxOpenConns: 1}
	db, err := database.Open(sqlite.Open(path+"?_busy_timeout=5000"), cfg)
	require.NoError(t, err)
	require.NoError(t, database.ApplySchema(context.Background(), db, cfg))

	t.Cleanup(func() { CloseDB(db) })
	return db
}

// CloseDB closes the underlying pool, ignoring errors from an already-closed pool.
func CloseDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
