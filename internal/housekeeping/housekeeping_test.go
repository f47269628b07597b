package housekeeping

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodarr/vodarr/internal/config"
	"github.com/vodarr/vodarr/internal/database"
	"github.com/vodarr/vodarr/internal/storage"
)

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
	return path
}

func TestSweepTempRemovesOnlyAgedCaptureFiles(t *testing.T) {
	dir := t.TempDir()
	aged := writeAged(t, dir, "vodarr-old.ts", 48*time.Hour)
	fresh := writeAged(t, dir, "vodarr-fresh.ts", time.Minute)
	foreign := writeAged(t, dir, "keep.ts", 48*time.Hour)

	h := New(nil, Config{TempDir: dir, TempMaxAge: 24 * time.Hour})
	h.sweepTemp()

	_, err := os.Stat(aged)
	assert.True(t, os.IsNotExist(err), "aged capture file removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh capture file kept")
	_, err = os.Stat(foreign)
	assert.NoError(t, err, "unrelated file kept")
}

func TestSweepTempDisabledWithoutMaxAge(t *testing.T) {
	dir := t.TempDir()
	aged := writeAged(t, dir, "vodarr-old.ts", 48*time.Hour)

	h := New(nil, Config{TempDir: dir})
	h.sweepTemp()

	_, err := os.Stat(aged)
	assert.NoError(t, err)
}

func TestPruneIndexDropsExpiredRows(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             filepath.Join(dir, "index.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.AutoMigrate(&storage.Broadcast{}))

	rows := []storage.Broadcast{
		{ID: "ancient", Channel: "foo", Type: "archive", Title: "a", CreatedAt: time.Now().Add(-90 * 24 * time.Hour), Path: "/a.ts"},
		{ID: "recent", Channel: "foo", Type: "archive", Title: "b", CreatedAt: time.Now().Add(-time.Hour), Path: "/b.ts"},
	}
	require.NoError(t, db.Create(&rows).Error)

	h := New(db, Config{IndexRetention: 30 * 24 * time.Hour})
	h.pruneIndex(context.Background())

	var ids []string
	require.NoError(t, db.Model(&storage.Broadcast{}).Pluck("id", &ids).Error)
	assert.Equal(t, []string{"recent"}, ids)
}

func TestCheckDiskWarnsBelowFloor(t *testing.T) {
	var checked string
	h := New(nil, Config{CaptureDir: "/captures", MinFreeSpace: 1 << 30})
	h.freeBytes = func(path string) (uint64, error) {
		checked = path
		return 1 << 20, nil
	}

	// Warns via the logger; the assertion here is that the injected probe
	// was consulted for the right volume.
	h.checkDisk()
	assert.Equal(t, "/captures", checked)
}

func TestIsDue(t *testing.T) {
	h := New(nil, Config{SyncInterval: time.Minute})

	assert.True(t, h.isDue("* * * * * *"), "every-second schedule is always due")
	assert.False(t, h.isDue(""), "empty schedule never fires")
	assert.False(t, h.isDue("not a cron"), "invalid schedule never fires")
}

func TestStartRunsInitialSweep(t *testing.T) {
	dir := t.TempDir()
	aged := writeAged(t, dir, "vodarr-old.ts", 48*time.Hour)

	h := New(nil, Config{
		TempDir:    dir,
		TempMaxAge: 24 * time.Hour,
		// No cron schedules: only the startup sweep runs.
	})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(aged); os.IsNotExist(err) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup sweep never removed the aged file")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := New(nil, Config{})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	assert.Error(t, h.Start(context.Background()))
}
