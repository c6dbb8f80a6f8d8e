// Package backup snapshots operator-managed files before destructive
// repository operations and prunes old snapshots.
package backup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"
)

// timestampLayout sorts lexically in chronological order and contains no
// dot, so the suffix is always the file extension.
const timestampLayout = "20060102T150405,000000000Z"

// Record describes one snapshot of one managed file
type Record struct {
	SourcePath string    `json:"source_path"`
	BackupPath string    `json:"backup_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// Error reports a file that could not be backed up
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backup of %s failed: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retention bounds the number and age of snapshots kept per source file.
// A zero field disables that bound.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
}

// Manager copies files from a root directory into a backup directory,
// preserving their relative layout and suffixing each copy with a timestamp.
type Manager struct {
	root   string
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu   gosync.Mutex
	last time.Time
}

// NewManager creates a manager for files under root, storing copies in dir
func NewManager(root, dir string, logger *slog.Logger) *Manager {
	return &Manager{
		root:   root,
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// Dir returns the backup directory
func (m *Manager) Dir() string {
	return m.dir
}

// Expand resolves glob patterns relative to the root into existing regular
// files. Patterns that match nothing are skipped.
func (m *Manager) Expand(patterns []string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(m.root, pattern))
		if err != nil {
			m.logger.Warn("invalid managed file pattern", "pattern", pattern, "error", err)
			continue
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.Mode().IsRegular() || seen[match] {
				continue
			}
			seen[match] = true
			files = append(files, match)
		}
	}
	sort.Strings(files)
	return files
}

// Snapshot copies each existing file into the backup directory. It never
// fails: a file that cannot be copied is logged and left out of the result.
// The returned errors list those failures for callers that must enforce
// backups.
func (m *Manager) Snapshot(files []string) ([]Record, []error) {
	var (
		records []Record
		errs    []error
	)
	for _, src := range files {
		rec, err := m.snapshotOne(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			m.logger.Warn("backup failed, continuing without it", "path", src, "error", err)
			errs = append(errs, &Error{Path: src, Err: err})
			continue
		}
		m.logger.Info("backed up managed file", "path", src, "backup", rec.BackupPath)
		records = append(records, rec)
	}
	return records, errs
}

func (m *Manager) snapshotOne(src string) (Record, error) {
	rel, err := m.relative(src)
	if err != nil {
		return Record{}, err
	}

	info, err := os.Stat(src)
	if err != nil {
		return Record{}, err
	}
	if !info.Mode().IsRegular() {
		return Record{}, fmt.Errorf("not a regular file")
	}

	createdAt := m.stamp()
	dst := filepath.Join(m.dir, rel+"."+createdAt.Format(timestampLayout))
	if err := copyFile(src, dst); err != nil {
		return Record{}, err
	}

	return Record{SourcePath: src, BackupPath: dst, CreatedAt: createdAt}, nil
}

func (m *Manager) relative(src string) (string, error) {
	if !filepath.IsAbs(src) {
		src = filepath.Join(m.root, src)
	}
	rel, err := filepath.Rel(m.root, src)
	if err != nil {
		return "", err
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", src, m.root)
	}
	return rel, nil
}

// stamp returns a strictly increasing UTC timestamp so two snapshots of the
// same file never share a name.
func (m *Manager) stamp() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Nanosecond)
	}
	m.last = t
	return t
}

// List returns all snapshots, grouped by source path and oldest first
func (m *Manager) List() ([]Record, error) {
	var records []Record
	err := filepath.Walk(m.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == m.dir {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".selfupdated-tmp-") {
			return nil
		}

		ext := filepath.Ext(path)
		createdAt, err := time.Parse(timestampLayout, strings.TrimPrefix(ext, "."))
		if err != nil {
			// Not one of ours.
			return nil
		}
		rel, err := filepath.Rel(m.dir, strings.TrimSuffix(path, ext))
		if err != nil {
			return nil
		}
		records = append(records, Record{
			SourcePath: filepath.Join(m.root, rel),
			BackupPath: path,
			CreatedAt:  createdAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].SourcePath != records[j].SourcePath {
			return records[i].SourcePath < records[j].SourcePath
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Prune deletes snapshots exceeding the retention bounds and returns the
// removed records.
func (m *Manager) Prune(policy Retention) ([]Record, error) {
	records, err := m.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	bySource := make(map[string][]Record)
	var sources []string
	for _, rec := range records {
		if _, ok := bySource[rec.SourcePath]; !ok {
			sources = append(sources, rec.SourcePath)
		}
		bySource[rec.SourcePath] = append(bySource[rec.SourcePath], rec)
	}

	now := m.now().UTC()
	var removed []Record
	for _, src := range sources {
		group := bySource[src]
		for i, rec := range group {
			newerCount := len(group) - 1 - i
			tooMany := policy.MaxCount > 0 && newerCount >= policy.MaxCount
			tooOld := policy.MaxAge > 0 && now.Sub(rec.CreatedAt) > policy.MaxAge
			if !tooMany && !tooOld {
				continue
			}
			if err := os.Remove(rec.BackupPath); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("failed to remove old backup", "backup", rec.BackupPath, "error", err)
				continue
			}
			removed = append(removed, rec)
		}
	}

	if len(removed) > 0 {
		m.logger.Info("pruned old backups", "removed", len(removed))
	}
	return removed, nil
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".selfupdated-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	// Managed files often hold secrets; never widen their permissions.
	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
