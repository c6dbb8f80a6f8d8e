package deps

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	files []string
	err   error
}

func (f fakeGit) ChangedFiles(context.Context, string, string, string) ([]string, error) {
	return f.files, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestIsManifest(t *testing.T) {
	manifests := []string{"requirements.txt", "go.mod", "web/package.json"}

	tests := []struct {
		path string
		want bool
	}{
		{"requirements.txt", true},
		{"services/api/requirements.txt", true},
		{"go.mod", true},
		{"web/package.json", true},
		{"other/package.json", false},
		{"package.json", false},
		{"README.md", false},
		{"requirements.txt.bak", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsManifest(tt.path, manifests), tt.path)
	}
}

func TestChanged(t *testing.T) {
	i := &Installer{
		Git:       fakeGit{files: []string{"app.py", "requirements.txt", "docs/go.mod.md"}},
		Manifests: []string{"requirements.txt", "go.mod"},
		Logger:    testLogger(),
	}

	changed, err := i.Changed(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"requirements.txt"}, changed)

	i.Git = fakeGit{err: errors.New("bad revision")}
	_, err = i.Changed(context.Background(), "a", "b")
	assert.Error(t, err)
}

func TestInstall(t *testing.T) {
	dir := t.TempDir()
	i := &Installer{
		Dir:     dir,
		Command: []string{"/bin/sh", "-c", "pwd > installed.txt"},
		Logger:  testLogger(),
	}
	require.True(t, i.Enabled())
	require.NoError(t, i.Install(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "installed.txt"))
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(string(data)))
}

func TestInstall_Disabled(t *testing.T) {
	i := &Installer{Logger: testLogger()}
	assert.False(t, i.Enabled())
	assert.NoError(t, i.Install(context.Background()))
}

func TestInstall_Failure(t *testing.T) {
	i := &Installer{
		Dir:     t.TempDir(),
		Command: []string{"/bin/sh", "-c", "echo 'no matching distribution' >&2; exit 1"},
		Logger:  testLogger(),
	}

	err := i.Install(context.Background())
	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Contains(t, installErr.Output, "no matching distribution")
	assert.Contains(t, err.Error(), "dependency install")
}

func TestInstall_Timeout(t *testing.T) {
	i := &Installer{
		Dir:     t.TempDir(),
		Command: []string{"sleep", "5"},
		Timeout: 50 * time.Millisecond,
		Logger:  testLogger(),
	}

	err := i.Install(context.Background())
	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", maxOutput+10)
	got := tail(long)
	assert.True(t, strings.HasPrefix(got, "..."))
	assert.Len(t, got, maxOutput+3)
}
