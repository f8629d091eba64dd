// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns an isolated in-memory database with the given models migrated.
// The pool is pinned to one connection so every query sees the same memory db.
// Statements never overlap on it, so it checks ordering and idempotency only.
// Use OpenShared for tests that need transactions to contend.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", time.Now().UnixNano(), seq.Add(1))
	return open(t, dsn, 1, models)
}

// OpenShared returns a file backed database in WAL mode with a pool of
// several connections, so reads from concurrent goroutines interleave and
// writers queue on the database lock.
func OpenShared(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), fmt.Sprintf("shared_%d.db", seq.Add(1)))
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	return open(t, dsn, 8, models)
}

func open(t testing.TB, dsn string, conns int, models []any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(conns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return db
}
