// Package perms enforces configured permission bits on files in the
// working copy. A hard reset rewrites files with git's default modes, so
// secrets and scripts need their modes reapplied after every update.
package perms

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/schaermu/selfupdated/internal/config"
)

// Rule assigns a mode to files matching a glob relative to the root
type Rule struct {
	Pattern string
	Mode    os.FileMode
}

// RulesFromConfig converts configured modes into rules sorted by pattern
func RulesFromConfig(modes map[string]config.FileMode) []Rule {
	rules := make([]Rule, 0, len(modes))
	for pattern, mode := range modes {
		rules = append(rules, Rule{Pattern: pattern, Mode: mode.Perm()})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Pattern < rules[j].Pattern })
	return rules
}

// Change records a corrected file mode
type Change struct {
	Path string
	From os.FileMode
	To   os.FileMode
}

// Enforcer applies rules below Root
type Enforcer struct {
	Root   string
	Rules  []Rule
	Logger *slog.Logger
}

// Apply sets the mode of every regular file matched by a rule. When rules
// overlap the last one in order wins. Files already at the wanted mode are
// left alone. Failures are collected and returned after every file was
// attempted.
func (e *Enforcer) Apply() ([]Change, error) {
	if len(e.Rules) == 0 {
		return nil, nil
	}

	wanted := make(map[string]os.FileMode)
	var errs []error
	for _, rule := range e.Rules {
		matches, err := filepath.Glob(filepath.Join(e.Root, rule.Pattern))
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", rule.Pattern, err))
			continue
		}
		for _, match := range matches {
			wanted[match] = rule.Mode
		}
	}

	paths := make([]string, 0, len(wanted))
	for path := range wanted {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var changes []Change
	for _, path := range paths {
		// Lstat so a symlink in the repository cannot redirect the chmod.
		info, err := os.Lstat(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		mode := wanted[path]
		if info.Mode().Perm() == mode {
			continue
		}
		if err := os.Chmod(path, mode); err != nil {
			errs = append(errs, err)
			continue
		}
		changes = append(changes, Change{Path: path, From: info.Mode().Perm(), To: mode})
		e.logger().Info("corrected file mode", "path", path, "from", fmt.Sprintf("%04o", info.Mode().Perm()), "to", fmt.Sprintf("%04o", mode))
	}

	return changes, errors.Join(errs...)
}

func (e *Enforcer) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
