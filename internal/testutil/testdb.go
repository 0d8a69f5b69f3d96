// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/marketplace/services/settlement/internal/db"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated SQLite database in a temp dir. A single connection is
// used so that concurrent writers serialize the way row locks do on postgres.
func NewDB(t *testing.T) *db.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "settlement.db") + "?_busy_timeout=5000&_foreign_keys=on"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	database := &db.DB{DB: gormDB}
	require.NoError(t, db.RunMigrations(database))

	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
