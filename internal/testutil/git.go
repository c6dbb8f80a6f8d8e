package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Git runs a git command in dir and fails the test on error. It returns
// trimmed stdout.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRemote creates a non-bare repository usable as a remote, with the given
// initial branch checked out and one commit containing files.
func InitRemote(t *testing.T, branch string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	if out, err := exec.Command("git", "init", "-b", branch, dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	// Pushing to a non-bare remote is never needed; tests commit in place.
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Commit(t, dir, files, "Initial commit")
	return dir
}

// Commit writes files into repoDir and commits them, returning the new hash
func Commit(t *testing.T, repoDir string, files map[string]string, msg string) string {
	t.Helper()
	for name, content := range files {
		WriteFile(t, filepath.Join(repoDir, name), content)
		Git(t, repoDir, "add", name)
	}
	Git(t, repoDir, "commit", "--allow-empty", "-m", msg)
	return Git(t, repoDir, "rev-parse", "HEAD")
}

// Clone clones remote into a fresh temp directory tracking branch
func Clone(t *testing.T, remote, branch string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "work")
	if out, err := exec.Command("git", "clone", "--quiet", "-b", branch, remote, dir).CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v: %s", err, out)
	}
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	return dir
}

// Head returns the commit hash of HEAD in dir
func Head(t *testing.T, dir string) string {
	t.Helper()
	return Git(t, dir, "rev-parse", "HEAD")
}

// WriteFile creates parent directories and writes content to path
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of path, failing the test on error
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
