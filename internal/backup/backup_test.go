package backup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func TestSnapshot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".selfupdated", "backups")
	writeFile(t, filepath.Join(root, ".env"), "TOKEN=secret\n", 0600)
	writeFile(t, filepath.Join(root, "config", "app.yaml"), "debug: true\n", 0644)

	m := NewManager(root, dir, testLogger())
	files := m.Expand([]string{".env", "config/*.yaml", "missing.txt"})
	require.Len(t, files, 2)

	before := time.Now().UTC()
	records, errs := m.Snapshot(files)
	require.Empty(t, errs)
	require.Len(t, records, 2)

	for _, rec := range records {
		assert.True(t, strings.HasPrefix(rec.BackupPath, dir+string(filepath.Separator)))
		assert.False(t, rec.CreatedAt.Before(before.Add(-time.Second)))

		want, err := os.ReadFile(rec.SourcePath)
		require.NoError(t, err)
		got, err := os.ReadFile(rec.BackupPath)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}

	info, err := os.Stat(records[0].BackupPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "secret file permissions must be preserved")
}

func TestSnapshot_MissingFileSkipped(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, filepath.Join(root, "b"), testLogger())

	records, errs := m.Snapshot([]string{filepath.Join(root, "gone.txt")})
	assert.Empty(t, records)
	assert.Empty(t, errs)
}

func TestSnapshot_FailureDoesNotAbort(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "ok\n", 0644)

	// A regular file where the backup directory should be makes every copy fail.
	blocker := filepath.Join(t.TempDir(), "blocked")
	writeFile(t, blocker, "", 0644)
	m := NewManager(root, blocker, testLogger())

	records, errs := m.Snapshot([]string{filepath.Join(root, "ok.txt"), filepath.Join(root, "outside", "..", "..", "x")})
	assert.Empty(t, records)
	require.Len(t, errs, 2)

	var backupErr *Error
	assert.ErrorAs(t, errs[0], &backupErr)
}

func TestStampIsMonotonic(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(t.TempDir(), t.TempDir(), testLogger())
	m.now = func() time.Time { return fixed }

	first := m.stamp()
	second := m.stamp()
	assert.True(t, second.After(first))
}

func TestListAndPrune(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(t.TempDir(), "backups")
	src := filepath.Join(root, ".env")
	writeFile(t, src, "A=1\n", 0600)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(root, dir, testLogger())
	m.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		_, errs := m.Snapshot([]string{src})
		require.Empty(t, errs)
		clock = clock.Add(24 * time.Hour)
	}

	// Unrelated files in the backup directory are ignored.
	writeFile(t, filepath.Join(dir, "README"), "not a backup", 0644)

	records, err := m.List()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, src, records[0].SourcePath)
	assert.True(t, records[0].CreatedAt.Before(records[4].CreatedAt))

	removed, err := m.Prune(Retention{MaxCount: 3})
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	records, err = m.List()
	require.NoError(t, err)
	require.Len(t, records, 3)

	// clock is now 5 days after the first snapshot; keep only the last 2 days.
	removed, err = m.Prune(Retention{MaxAge: 48 * time.Hour})
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	records, err = m.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestList_MissingDir(t *testing.T) {
	m := NewManager(t.TempDir(), filepath.Join(t.TempDir(), "nope"), testLogger())
	records, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}
