package database

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptschedule/internal/config"
)

func TestBackupServicePerformBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := Open(ctx, DriverSQLite, filepath.Join(dir, "live.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.CreateCenter(ctx, "Downtown")
	require.NoError(t, err)

	svc := NewBackupService(db, config.BackupConfig{Enabled: true, Path: filepath.Join(dir, "backups")}, time.Hour, zerolog.New(io.Discard))
	svc.now = func() time.Time { return testNow }

	path, err := svc.PerformBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backup_20260302_080000.db", filepath.Base(path))

	snapshot, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer snapshot.Close()
	center, err := snapshot.GetCenter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Downtown", center.Name)
}

func TestBackupServiceCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "backup_old.db")
	fresh := filepath.Join(dir, "backup_fresh.db")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}
	stale := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(other, stale, stale))

	svc := NewBackupService(nil, config.BackupConfig{Path: dir, RetentionDays: 7}, time.Hour, zerolog.New(io.Discard))
	svc.CleanupOldBackups()

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestBackupServiceDisabled(t *testing.T) {
	svc := NewBackupService(nil, config.BackupConfig{Enabled: false}, time.Hour, zerolog.New(io.Discard))
	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled backup service did not return")
	}
}
