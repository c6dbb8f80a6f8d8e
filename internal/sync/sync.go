// Package sync converges a working copy to the tip of its remote branch
// while preserving operator modifications where feasible.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"
	"time"

	"github.com/schaermu/selfupdated/internal/backup"
	"github.com/schaermu/selfupdated/internal/branch"
	"github.com/schaermu/selfupdated/internal/git"
	"github.com/schaermu/selfupdated/internal/txn"
)

// Options configures a Synchronizer
type Options struct {
	Dir              string
	Remote           string
	URL              string
	MinFetchInterval time.Duration
	// ManagedFiles are glob patterns, relative to Dir, backed up before a
	// dirty working copy is reset
	ManagedFiles   []string
	BackupRequired bool
	// Excludes are added to .git/info/exclude so agent files never make the
	// working copy dirty
	Excludes []string
	// LookupEnv reads the environment; defaults to os.Getenv
	LookupEnv func(string) string
}

// Synchronizer owns the working copy
type Synchronizer struct {
	git      git.Client
	resolver *branch.Resolver
	backups  *backup.Manager
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu        gosync.Mutex
	lastFetch time.Time
}

// New creates a Synchronizer
func New(gitClient git.Client, resolver *branch.Resolver, backups *backup.Manager, opts Options, logger *slog.Logger) *Synchronizer {
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.Getenv
	}
	return &Synchronizer{
		git:      gitClient,
		resolver: resolver,
		backups:  backups,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Dir returns the working copy path
func (s *Synchronizer) Dir() string {
	return s.opts.Dir
}

// EnsureRepository makes sure a working copy tracking the remote exists. A
// missing repository is initialized, fetched and checked out on the
// resolved branch; an existing one has its remote URL corrected if it
// drifted from the configured value.
func (s *Synchronizer) EnsureRepository(ctx context.Context) error {
	dir := s.opts.Dir
	logger := s.logger.With("operation", "ensure-repository", "path", dir)

	if !s.git.IsRepository(dir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &InitializationError{Path: dir, Fatal: true, Err: err}
		}
		logger.Info("initializing repository")
		if err := s.git.Init(ctx, dir); err != nil {
			return &InitializationError{Path: dir, Fatal: true, Err: err}
		}
	}

	existing, err := s.git.RemoteURL(ctx, dir, s.opts.Remote)
	if err != nil && !errors.Is(err, git.ErrNotFound) {
		return &InitializationError{Path: dir, Err: err}
	}
	url, source := ResolveRemoteURL(RemoteURLSources{
		Configured:  s.opts.URL,
		Existing:    existing,
		Environment: s.opts.LookupEnv(RemoteURLEnv),
	})
	if url == "" {
		return &InitializationError{Path: dir, Fatal: true, Err: fmt.Errorf("no URL known for remote %q", s.opts.Remote)}
	}
	if url != existing {
		if existing != "" {
			logger.Warn("remote URL drifted from configuration, updating", "remote", s.opts.Remote, "old_url", existing, "new_url", url)
		}
		if err := s.git.SetRemote(ctx, dir, s.opts.Remote, url); err != nil {
			return &InitializationError{Path: dir, Err: err}
		}
	}
	logger.Debug("remote URL resolved", "strategy", source)

	for _, pattern := range s.opts.Excludes {
		if err := s.git.Exclude(dir, pattern); err != nil {
			logger.Warn("failed to exclude path from version control", "pattern", pattern, "error", err)
		}
	}

	if _, err := s.git.RevParse(ctx, dir, "HEAD"); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrNotFound) {
		return &InitializationError{Path: dir, Err: err}
	}

	// Fresh or half-initialized repository: nothing checked out yet.
	if _, err := s.fetch(ctx, true); err != nil {
		return &InitializationError{Path: dir, Err: err}
	}
	name, err := s.resolver.Resolve(ctx, dir)
	if err != nil {
		return &InitializationError{Path: dir, Err: err}
	}
	if err := s.git.CheckoutBranch(ctx, dir, s.opts.Remote, name); err != nil {
		return &InitializationError{Path: dir, Err: err}
	}
	logger.Info("repository checked out", "branch", name)
	return nil
}

// State reads the current RepositoryState. With fetch set the remote is
// fetched first, subject to the minimum fetch interval. A branch that
// cannot be resolved leaves Branch and RemoteCommit empty.
func (s *Synchronizer) State(ctx context.Context, fetch bool) (RepositoryState, error) {
	var fetched bool
	if fetch {
		var err error
		if fetched, err = s.fetch(ctx, false); err != nil {
			return RepositoryState{}, err
		}
	}

	state, err := s.inspect(ctx)
	state.Fetched = fetched
	var resErr *branch.ResolutionError
	if errors.As(err, &resErr) {
		s.logger.Warn("could not determine tracked branch", "error", err)
		return state, nil
	}
	return state, err
}

func (s *Synchronizer) inspect(ctx context.Context) (RepositoryState, error) {
	dir := s.opts.Dir
	state := RepositoryState{FetchedAt: s.lastFetchTime()}

	local, err := s.git.RevParse(ctx, dir, "HEAD")
	if err != nil && !errors.Is(err, git.ErrNotFound) {
		return state, err
	}
	state.LocalCommit = local

	dirty, err := s.git.IsDirty(ctx, dir)
	if err != nil {
		return state, err
	}
	state.IsDirty = dirty

	name, err := s.resolver.Resolve(ctx, dir)
	if err != nil {
		return state, err
	}
	state.Branch = name

	remote, err := s.git.RevParse(ctx, dir, s.opts.Remote+"/"+name)
	if err != nil {
		if errors.Is(err, git.ErrNotFound) {
			return state, &branch.ResolutionError{Dir: dir, Remote: s.opts.Remote, Err: err}
		}
		return state, err
	}
	state.RemoteCommit = remote
	return state, nil
}

// DetectUpdate fetches (rate limited), resolves the branch and compares
// HEAD with the remote tip. It returns nil when they are equal.
func (s *Synchronizer) DetectUpdate(ctx context.Context) (*txn.Transaction, error) {
	if _, err := s.fetch(ctx, false); err != nil {
		return nil, err
	}

	state, err := s.inspect(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Behind() {
		s.logger.Debug("working copy is up to date", "commit", txn.Short(state.LocalCommit), "branch", state.Branch)
		return nil, nil
	}

	info, err := s.git.CommitInfo(ctx, s.opts.Dir, state.RemoteCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", txn.Short(state.RemoteCommit), err)
	}

	tx := txn.New(state.LocalCommit, state.RemoteCommit, state.Branch, s.now())
	tx.Message = info.Message
	tx.Author = info.Author
	tx.CommittedAt = info.CommittedAt
	s.logger.Info("update detected", append(tx.LogAttrs(), "operation", "detect", "dirty", state.IsDirty)...)
	return tx, nil
}

// Reconcile converges the working copy to tx.NewCommit. A dirty working
// copy has its managed files backed up and its modifications stashed
// first. The stash is never reapplied on success. On failure the stash is
// restored if possible, tx is marked Failed and HEAD stays where it was.
func (s *Synchronizer) Reconcile(ctx context.Context, tx *txn.Transaction) (*Result, error) {
	dir := s.opts.Dir
	logger := s.logger.With(append(tx.LogAttrs(), "operation", "reconcile")...)

	local, err := s.git.RevParse(ctx, dir, "HEAD")
	if err != nil && !errors.Is(err, git.ErrNotFound) {
		return nil, s.fail(tx, &ReconcileError{Step: "inspect", Err: err})
	}
	result := &Result{OldCommit: local, NewCommit: tx.NewCommit, Branch: tx.Branch}

	if local == tx.NewCommit {
		logger.Info("working copy already at target commit, nothing to reset")
		result.AlreadyApplied = true
		return result, nil
	}

	if err := s.verifyTarget(ctx, tx); err != nil {
		return nil, s.fail(tx, err)
	}

	dirty, err := s.git.IsDirty(ctx, dir)
	if err != nil {
		return nil, s.fail(tx, &ReconcileError{Step: "inspect", Err: err})
	}

	if dirty {
		files := s.backups.Expand(s.opts.ManagedFiles)
		records, errs := s.backups.Snapshot(files)
		result.Backups = records
		if len(errs) > 0 && s.opts.BackupRequired {
			return nil, s.fail(tx, &ReconcileError{Step: "backup", Err: errors.Join(errs...)})
		}

		msg := "selfupdated: before " + txn.Short(tx.NewCommit)
		stashed, err := s.git.StashPush(ctx, dir, msg)
		if err != nil {
			return nil, s.fail(tx, &ReconcileError{Step: "stash", Err: err})
		}
		result.Stashed = stashed
		if stashed {
			if ref, err := s.git.RevParse(ctx, dir, "refs/stash"); err == nil {
				result.StashRef = ref
				tx.StashRef = ref
			}
			logger.Info("stashed local modifications", "stash", txn.Short(result.StashRef), "backups", len(records))
		}
	}

	// Detached HEAD leaves origBranch empty; rollback detaches again.
	origBranch, err := s.git.CurrentBranch(ctx, dir)
	if err != nil {
		origBranch = ""
	}
	undo := func(step string, cause error) error {
		return s.fail(tx, s.rollback(ctx, logger, step, result.Stashed, origBranch, local, cause))
	}

	if origBranch != tx.Branch {
		logger.Info("switching tracked branch", "from", origBranch, "to", tx.Branch)
		if err := s.git.CheckoutBranch(ctx, dir, s.opts.Remote, tx.Branch); err != nil {
			return nil, undo("checkout", err)
		}
	}

	if err := s.git.ResetHard(ctx, dir, tx.NewCommit); err != nil {
		return nil, undo("reset", err)
	}

	head, err := s.git.RevParse(ctx, dir, "HEAD")
	if err != nil || head != tx.NewCommit {
		if err == nil {
			err = fmt.Errorf("HEAD is %s after reset", txn.Short(head))
		}
		return nil, undo("verify", err)
	}

	logger.Info("working copy reset to remote", "stashed", result.Stashed)
	return result, nil
}

// verifyTarget checks that the branch and the target commit exist locally,
// fetching once if the commit was detected by another process.
func (s *Synchronizer) verifyTarget(ctx context.Context, tx *txn.Transaction) error {
	dir := s.opts.Dir
	if _, err := s.git.RevParse(ctx, dir, tx.NewCommit); err != nil {
		if !errors.Is(err, git.ErrNotFound) {
			return &ReconcileError{Step: "verify", Err: err}
		}
		if _, err := s.fetch(ctx, true); err != nil {
			return &ReconcileError{Step: "fetch", Err: err}
		}
		if _, err := s.git.RevParse(ctx, dir, tx.NewCommit); err != nil {
			return &ReconcileError{Step: "verify", Err: fmt.Errorf("commit %s: %w", txn.Short(tx.NewCommit), err)}
		}
	}
	if _, err := s.git.RevParse(ctx, dir, s.opts.Remote+"/"+tx.Branch); err != nil {
		return &ReconcileError{Step: "verify", Err: &branch.ResolutionError{Dir: dir, Remote: s.opts.Remote, Err: err}}
	}
	return nil
}

// rollback puts HEAD back on the original branch and commit after a failed
// step, then restores stashed modifications. The stash is only popped onto
// the tree it was taken from; if HEAD cannot be restored it stays stashed.
func (s *Synchronizer) rollback(ctx context.Context, logger *slog.Logger, step string, stashed bool, origBranch, local string, cause error) *ReconcileError {
	rerr := &ReconcileError{Step: step, Stashed: stashed, Err: cause}
	if local != "" {
		if err := s.restoreHead(ctx, origBranch, local); err != nil {
			logger.Error("failed to restore previous commit", "step", step, "commit", txn.Short(local), "branch", origBranch, "error", err)
			if stashed {
				logger.Error("local modifications remain in the stash")
			}
			return rerr
		}
	}
	if !stashed {
		return rerr
	}
	if err := s.git.StashPop(ctx, s.opts.Dir); err != nil {
		logger.Error("failed to restore stashed modifications, they remain in the stash", "error", err)
		return rerr
	}
	rerr.StashRestored = true
	logger.Info("restored stashed modifications after failure", "step", step)
	return rerr
}

// restoreHead checks out origBranch at local unless HEAD is still there
func (s *Synchronizer) restoreHead(ctx context.Context, origBranch, local string) error {
	dir := s.opts.Dir
	head, headErr := s.git.RevParse(ctx, dir, "HEAD")
	current, branchErr := s.git.CurrentBranch(ctx, dir)
	if branchErr != nil {
		current = ""
	}
	if headErr == nil && head == local && current == origBranch {
		return nil
	}
	s.logger.Warn("moving HEAD back after failed reconcile", "commit", txn.Short(local), "branch", origBranch)
	return s.git.RestoreBranch(ctx, dir, origBranch, local)
}

func (s *Synchronizer) fail(tx *txn.Transaction, err error) error {
	if ferr := tx.Fail(err, s.now()); ferr != nil {
		s.logger.Warn("could not mark transaction failed", append(tx.LogAttrs(), "error", ferr)...)
	}
	s.logger.Error("reconcile failed", append(tx.LogAttrs(), "operation", "reconcile", "error", err)...)
	return err
}

// fetch fetches the remote unless the last fetch, by this or any other
// process, is more recent than the minimum interval. force bypasses the
// limit. It reports whether a fetch actually happened.
func (s *Synchronizer) fetch(ctx context.Context, force bool) (bool, error) {
	last := s.lastFetchTime()
	if !force && s.opts.MinFetchInterval > 0 && !last.IsZero() {
		if since := s.now().Sub(last); since < s.opts.MinFetchInterval {
			s.logger.Debug("skipping fetch, fetched recently", "since", since.Round(time.Second), "min_interval", s.opts.MinFetchInterval)
			return false, nil
		}
	}

	s.logger.Debug("fetching", "remote", s.opts.Remote)
	if err := s.git.Fetch(ctx, s.opts.Dir, s.opts.Remote); err != nil {
		return false, &NetworkError{Op: "fetch", Remote: s.opts.Remote, Err: err}
	}

	s.mu.Lock()
	s.lastFetch = s.now()
	s.mu.Unlock()
	s.resolver.Refresh()
	return true, nil
}

func (s *Synchronizer) lastFetchTime() time.Time {
	s.mu.Lock()
	last := s.lastFetch
	s.mu.Unlock()

	if onDisk := s.git.LastFetch(s.opts.Dir); onDisk.After(last) {
		return onDisk
	}
	return last
}
