// Package dbtest opens throwaway in-memory databases with the production schema.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fatflowers/vpnbilling/internal/platform/db"
)

var seq atomic.Int64

// Open returns a migrated in-memory sqlite database private to t.
// A single connection keeps nested savepoints and row visibility deterministic.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:vpnbilling_%d?mode=memory&cache=shared&_foreign_keys=on", seq.Add(1))
	cfg := db.GormConfig(zap.NewNop().Sugar())
	cfg.Logger = cfg.Logger.LogMode(gormlogger.Silent)

	gdb, err := gorm.Open(sqlite.Open(dsn), cfg)
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(db.Models()...))
	return gdb
}
