package backup_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"Mamori/pkg/backup"
	"Mamori/pkg/scheduler"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestSnapshotKeepsLatest(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, filepath.Join(dir, "live.db"))
	require.NoError(t, db.Exec("CREATE TABLE events (id TEXT)").Error)
	require.NoError(t, db.Exec("INSERT INTO events VALUES ('e1'), ('e2')").Error)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := backup.New(db, "sqlite", filepath.Join(dir, "snapshots"), 2, backup.WithClock(func() time.Time {
		at = at.Add(time.Minute)
		return at
	}))

	var last string
	for i := 0; i < 3; i++ {
		dst, err := s.Run(context.Background())
		require.NoError(t, err)
		last = dst
	}

	files, err := filepath.Glob(filepath.Join(dir, "snapshots", "mamori_*.db"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "mamori_20260102_030705.db", filepath.Base(last))
	assert.Contains(t, files, last)

	var n int64
	require.NoError(t, openDB(t, last).Table("events").Count(&n).Error)
	assert.EqualValues(t, 2, n)
}

func TestUnsupportedDriver(t *testing.T) {
	s := backup.New(nil, "mysql", t.TempDir(), 1)

	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, backup.ErrUnsupportedDriver)
	assert.ErrorIs(t, s.Schedule(scheduler.NewCron(time.UTC), "@daily"), backup.ErrUnsupportedDriver)
}

func TestScheduleRegistersEntry(t *testing.T) {
	dir := t.TempDir()
	cr := scheduler.NewCron(time.UTC)
	s := backup.New(openDB(t, filepath.Join(dir, "live.db")), "sqlite", dir, 1)

	require.NoError(t, s.Schedule(cr, "0 3 * * *"))
	assert.Len(t, cr.Entries(), 1)
	assert.Error(t, s.Schedule(cr, "not a cron expression"))
}
