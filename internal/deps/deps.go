// Package deps detects dependency manifest changes between two commits and
// runs the configured install command.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// maxOutput bounds how much install output an InstallError keeps
const maxOutput = 4096

// Git is the subset of git.Client the installer needs
type Git interface {
	ChangedFiles(ctx context.Context, dir, from, to string) ([]string, error)
}

// InstallError reports a failed or timed out install command
type InstallError struct {
	Command []string
	Output  string
	Err     error
}

func (e *InstallError) Error() string {
	msg := fmt.Sprintf("dependency install %q failed", strings.Join(e.Command, " "))
	if e.Output != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Output)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// IsManifest reports whether the repository-relative path matches one of
// the manifest entries, either exactly or by base name
func IsManifest(path string, manifests []string) bool {
	path = filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, m := range manifests {
		m = filepath.ToSlash(m)
		if path == m || (!strings.Contains(m, "/") && base == m) {
			return true
		}
	}
	return false
}

// Installer runs the install command when manifests change
type Installer struct {
	Git       Git
	Dir       string
	Manifests []string
	Command   []string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Enabled reports whether an install command is configured
func (i *Installer) Enabled() bool {
	return len(i.Command) > 0
}

// Changed returns the manifests that differ between from and to
func (i *Installer) Changed(ctx context.Context, from, to string) ([]string, error) {
	files, err := i.Git.ChangedFiles(ctx, i.Dir, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}

	var changed []string
	for _, f := range files {
		if IsManifest(f, i.Manifests) {
			changed = append(changed, f)
		}
	}
	return changed, nil
}

// Install runs the install command in the repository directory
func (i *Installer) Install(ctx context.Context) error {
	if !i.Enabled() {
		return nil
	}
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	i.Logger.Info("installing dependencies", "command", strings.Join(i.Command, " "), "dir", i.Dir)
	start := time.Now()

	cmd := exec.CommandContext(ctx, i.Command[0], i.Command[1:]...)
	cmd.Dir = i.Dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", i.Timeout, ctx.Err())
		}
		return &InstallError{Command: i.Command, Output: tail(string(output)), Err: err}
	}

	i.Logger.Info("dependencies installed", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > maxOutput {
		output = "..." + output[len(output)-maxOutput:]
	}
	return output
}
