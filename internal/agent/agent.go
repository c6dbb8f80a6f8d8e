// Package agent drives the update cycle: detect, gate, reconcile, install
// dependencies, restart services and report the outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/selfupdated/internal/backup"
	"github.com/schaermu/selfupdated/internal/branch"
	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/deps"
	"github.com/schaermu/selfupdated/internal/git"
	"github.com/schaermu/selfupdated/internal/lock"
	"github.com/schaermu/selfupdated/internal/notify"
	"github.com/schaermu/selfupdated/internal/perms"
	"github.com/schaermu/selfupdated/internal/restart"
	reposync "github.com/schaermu/selfupdated/internal/sync"
	"github.com/schaermu/selfupdated/internal/txn"
)

var (
	// ErrFatal marks setup failures that retrying cannot fix. The process
	// should exit and leave restarting to its supervisor.
	ErrFatal = errors.New("fatal setup error")
	// ErrBusy means another process holds the reconcile lock
	ErrBusy = errors.New("another process is reconciling the repository")
)

// Synchronizer is the working copy contract the loop relies on
type Synchronizer interface {
	Dir() string
	EnsureRepository(ctx context.Context) error
	State(ctx context.Context, fetch bool) (reposync.RepositoryState, error)
	DetectUpdate(ctx context.Context) (*txn.Transaction, error)
	Reconcile(ctx context.Context, tx *txn.Transaction) (*reposync.Result, error)
}

// Journal records finished and detected transactions
type Journal interface {
	Record(ctx context.Context, tx *txn.Transaction) error
}

// Restarter restarts managed services
type Restarter interface {
	Available(ctx context.Context) error
	Reload(ctx context.Context) error
	Restart(ctx context.Context, services []restart.Service) error
	Status(ctx context.Context, services []restart.Service) []restart.UnitStatus
}

// Installer installs dependencies when manifests change
type Installer interface {
	Enabled() bool
	Changed(ctx context.Context, from, to string) ([]string, error)
	Install(ctx context.Context) error
}

// Pruner applies backup retention
type Pruner interface {
	Prune(policy backup.Retention) ([]backup.Record, error)
}

// CommitReader reads commit metadata and the files an update touched
type CommitReader interface {
	CommitInfo(ctx context.Context, dir, rev string) (git.Commit, error)
	ChangedFiles(ctx context.Context, dir, from, to string) ([]string, error)
}

// ModeEnforcer reapplies configured file modes
type ModeEnforcer interface {
	Apply() ([]perms.Change, error)
}

// Components are the collaborators of a Loop
type Components struct {
	Sync      Synchronizer
	Store     *txn.Store
	Journal   Journal
	Restarter Restarter
	Installer Installer
	Backups   Pruner
	Notifier  notify.Notifier
	Commits   CommitReader
	Modes     ModeEnforcer
}

// Options control the loop's behavior
type Options struct {
	AutoApply         bool
	Restart           config.RestartPolicy
	Services          []restart.Service
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	Retention         backup.Retention
	ReconcileLockPath string
}

// Loop runs update cycles on a timer
type Loop struct {
	c       Components
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	trigger chan struct{}
}

// New creates a Loop
func New(c Components, opts Options, logger *slog.Logger) *Loop {
	return &Loop{
		c:       c,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// Store returns the pending-transaction mailbox
func (l *Loop) Store() *txn.Store {
	return l.c.Store
}

// Synchronizer returns the working copy owner
func (l *Loop) Synchronizer() Synchronizer {
	return l.c.Sync
}

// UnitStates reports the active state of every managed service
func (l *Loop) UnitStates(ctx context.Context) []restart.UnitStatus {
	return l.c.Restarter.Status(ctx, l.opts.Services)
}

// AutoApply reports whether the loop runs the automatic flow
func (l *Loop) AutoApply() bool {
	return l.opts.AutoApply
}

// Trigger requests an immediate cycle. At most one request is queued.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is cancelled. It returns an error only for
// failures wrapped in ErrFatal.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("update loop starting",
		"auto_apply", l.opts.AutoApply,
		"poll_interval", l.opts.PollInterval,
		"restart", l.opts.Restart)

	if len(l.opts.Services) > 0 {
		if err := l.c.Restarter.Available(ctx); err != nil {
			l.logger.Warn("service manager unavailable, service restarts will fail", "error", err)
		}
	}

	started := false
	for {
		err := l.RunCycle(ctx)
		if errors.Is(err, ErrFatal) {
			return err
		}

		if !started && !isSetupError(err) && !errors.Is(err, ErrBusy) {
			started = true
			l.enforceModes()
			l.announceStartup(ctx)
		}

		delay := l.opts.PollInterval
		if isSetupError(err) && l.opts.ErrorBackoff > 0 && l.opts.ErrorBackoff < delay {
			delay = l.opts.ErrorBackoff
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("update loop stopped")
			return nil
		case <-l.trigger:
			timer.Stop()
			l.logger.Info("immediate update check requested")
		case <-timer.C:
		}
	}
}

// RunCycle runs one cycle. In the automatic flow a detected update is
// applied right away. In the gated flow an approved pending transaction is
// applied if there is one; otherwise a detected update is published for
// approval. Errors are logged here and returned for the caller's exit
// status or backoff decision.
func (l *Loop) RunCycle(ctx context.Context) error {
	lk, err := lock.TryAcquire(l.opts.ReconcileLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			l.logger.Info("skipping cycle", "reason", ErrBusy.Error(), "detail", err)
			return ErrBusy
		}
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	defer func() {
		if err := lk.Release(); err != nil {
			l.logger.Warn("failed to release reconcile lock", "error", err)
		}
	}()

	if err := l.c.Sync.EnsureRepository(ctx); err != nil {
		return l.cycleError("ensure-repository", err)
	}

	if l.opts.AutoApply {
		return l.autoCycle(ctx)
	}
	return l.gatedCycle(ctx)
}

func (l *Loop) autoCycle(ctx context.Context) error {
	tx, err := l.c.Sync.DetectUpdate(ctx)
	if err != nil {
		return l.cycleError("detect", err)
	}
	if tx == nil {
		return nil
	}
	l.notify(ctx, "update detected", tx, func(ctx context.Context) error {
		return l.c.Notifier.UpdateDetected(ctx, tx)
	})
	return l.apply(ctx, tx)
}

func (l *Loop) gatedCycle(ctx context.Context) error {
	approved, err := l.c.Store.ConsumeApproved(ctx)
	if err != nil {
		return l.cycleError("consume", err)
	}
	if approved != nil {
		l.logger.Info("applying approved update", approved.LogAttrs()...)
		return l.apply(ctx, approved)
	}

	tx, err := l.c.Sync.DetectUpdate(ctx)
	if err != nil {
		return l.cycleError("detect", err)
	}
	if tx == nil {
		return nil
	}

	if err := l.c.Store.Publish(ctx, tx); err != nil {
		if errors.Is(err, txn.ErrPendingExists) {
			return nil
		}
		return l.cycleError("publish", err)
	}
	l.record(ctx, tx)
	l.notify(ctx, "update detected", tx, func(ctx context.Context) error {
		return l.c.Notifier.UpdateDetected(ctx, tx)
	})
	return nil
}

// ApplyApproved applies the pending transaction if it has been approved.
// It reports whether there was one to apply.
func (l *Loop) ApplyApproved(ctx context.Context) (bool, error) {
	lk, err := lock.TryAcquire(l.opts.ReconcileLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return false, ErrBusy
		}
		return false, err
	}
	defer func() {
		_ = lk.Release()
	}()

	tx, err := l.c.Store.ConsumeApproved(ctx)
	if err != nil || tx == nil {
		return false, err
	}
	return true, l.apply(ctx, tx)
}

// apply reconciles the working copy to tx, installs dependencies when
// manifests changed, restarts services per policy and reports the result.
// The caller holds the reconcile lock.
func (l *Loop) apply(ctx context.Context, tx *txn.Transaction) error {
	logger := l.logger.With(tx.LogAttrs()...)

	result, err := l.c.Sync.Reconcile(ctx, tx)
	if err != nil {
		l.finish(ctx, tx, notify.Outcome{}, err)
		return err
	}

	outcome := notify.Outcome{
		Stashed:  result.Stashed,
		StashRef: result.StashRef,
		Backups:  len(result.Backups),
	}

	if result.AlreadyApplied {
		// A repeated apply of the same commit must not restart again.
		logger.Info("transaction already applied, skipping dependencies and restart")
		l.finish(ctx, tx, outcome, nil)
		return nil
	}

	l.enforceModes()

	installed, err := l.installDependencies(ctx, result)
	if err != nil {
		l.finish(ctx, tx, outcome, err)
		return err
	}
	outcome.DependenciesRun = installed

	if len(l.opts.Services) > 0 && l.unitFilesChanged(ctx, result) {
		if err := l.c.Restarter.Reload(ctx); err != nil {
			l.finish(ctx, tx, outcome, err)
			return err
		}
	}

	if restart.ShouldRestart(l.opts.Restart, result.Stashed) && len(l.opts.Services) > 0 {
		for _, svc := range l.opts.Services {
			outcome.RestartedService = append(outcome.RestartedService, svc.Name)
		}
		if err := l.c.Restarter.Restart(ctx, l.opts.Services); err != nil {
			l.finish(ctx, tx, outcome, err)
			return err
		}
	} else {
		logger.Info("no restart required", "policy", l.opts.Restart, "stashed", result.Stashed)
	}

	l.finish(ctx, tx, outcome, nil)

	if removed, err := l.c.Backups.Prune(l.opts.Retention); err != nil {
		logger.Warn("backup pruning failed", "error", err)
	} else if len(removed) > 0 {
		logger.Debug("pruned backups", "removed", len(removed))
	}
	return nil
}

func (l *Loop) installDependencies(ctx context.Context, result *reposync.Result) (bool, error) {
	if !l.c.Installer.Enabled() {
		return false, nil
	}
	changed, err := l.c.Installer.Changed(ctx, result.OldCommit, result.NewCommit)
	if err != nil {
		return false, err
	}
	if len(changed) == 0 {
		return false, nil
	}
	l.logger.Info("dependency manifests changed", "manifests", changed)
	if err := l.c.Installer.Install(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// unitFilesChanged reports whether the update touched unit files. A diff
// that cannot be computed is treated as a change.
func (l *Loop) unitFilesChanged(ctx context.Context, result *reposync.Result) bool {
	if result.OldCommit == "" {
		return true
	}
	files, err := l.c.Commits.ChangedFiles(ctx, l.c.Sync.Dir(), result.OldCommit, result.NewCommit)
	if err != nil {
		l.logger.Warn("failed to list changed files, reloading unit files anyway", "error", err)
		return true
	}
	return restart.UnitFilesChanged(files)
}

// enforceModes reapplies configured file modes. Failures are only logged.
func (l *Loop) enforceModes() {
	changes, err := l.c.Modes.Apply()
	if err != nil {
		l.logger.Warn("failed to enforce file modes", "error", err)
	}
	if len(changes) > 0 {
		l.logger.Debug("file modes enforced", "changed", len(changes))
	}
}

// finish settles the transaction status, journals it and notifies. It runs
// detached from ctx cancellation: restarting the agent's own unit cancels
// ctx while the outcome still has to be written.
func (l *Loop) finish(ctx context.Context, tx *txn.Transaction, outcome notify.Outcome, cause error) {
	ctx = context.WithoutCancel(ctx)

	if cause == nil {
		if err := tx.Transition(txn.StatusApplied, l.now()); err != nil {
			l.logger.Warn("could not mark transaction applied", append(tx.LogAttrs(), "error", err)...)
		}
		l.logger.Info("update applied", append(tx.LogAttrs(), "operation", "apply", "stashed", outcome.Stashed)...)
		l.record(ctx, tx)
		l.notify(ctx, "update applied", tx, func(ctx context.Context) error {
			return l.c.Notifier.UpdateApplied(ctx, tx, outcome)
		})
		return
	}

	if tx.Status != txn.StatusFailed {
		if err := tx.Fail(cause, l.now()); err != nil {
			l.logger.Warn("could not mark transaction failed", append(tx.LogAttrs(), "error", err)...)
		}
	}
	reason := FailureReason(cause)
	l.logger.Error(reason, append(tx.LogAttrs(), "operation", "apply", "error", cause)...)
	l.record(ctx, tx)
	l.notify(ctx, "update failed", tx, func(ctx context.Context) error {
		return l.c.Notifier.UpdateFailed(ctx, tx, reason)
	})
}

func (l *Loop) record(ctx context.Context, tx *txn.Transaction) {
	if err := l.c.Journal.Record(ctx, tx); err != nil {
		l.logger.Warn("failed to journal transaction", append(tx.LogAttrs(), "error", err)...)
	}
}

func (l *Loop) notify(ctx context.Context, what string, tx *txn.Transaction, send func(context.Context) error) {
	if err := send(context.WithoutCancel(ctx)); err != nil {
		l.logger.Warn("failed to send notification", append(tx.LogAttrs(), "notification", what, "error", err)...)
	}
}

// announceStartup sends the summary of the checked-out commit
func (l *Loop) announceStartup(ctx context.Context) {
	state, err := l.c.Sync.State(ctx, false)
	if err != nil {
		l.logger.Warn("failed to read repository state for startup summary", "error", err)
		return
	}
	summary := notify.Summary{LocalCommit: state.LocalCommit, Branch: state.Branch}
	if state.LocalCommit != "" {
		if info, err := l.c.Commits.CommitInfo(ctx, l.c.Sync.Dir(), state.LocalCommit); err == nil {
			summary.Message = info.Message
			summary.Author = info.Author
			summary.CommittedAt = info.CommittedAt
		}
	}
	if err := l.c.Notifier.Startup(ctx, summary); err != nil {
		l.logger.Warn("failed to send startup notification", "error", err)
	}
}

// cycleError logs err with a severity matching its class and converts
// unrecoverable setup failures into ErrFatal
func (l *Loop) cycleError(op string, err error) error {
	var (
		netErr  *reposync.NetworkError
		initErr *reposync.InitializationError
		resErr  *branch.ResolutionError
	)
	switch {
	case errors.As(err, &initErr) && initErr.Fatal:
		l.logger.Error("repository setup failed permanently", "operation", op, "error", err)
		return fmt.Errorf("%w: %w", ErrFatal, err)
	case errors.As(err, &netErr):
		l.logger.Warn("remote unreachable, retrying next cycle", "operation", op, "error", err)
	case errors.As(err, &resErr), errors.As(err, &initErr):
		l.logger.Warn("repository setup failed, retrying after backoff", "operation", op, "error", err)
	case errors.Is(err, context.Canceled):
		l.logger.Info("cycle interrupted", "operation", op)
	default:
		l.logger.Error("update cycle failed", "operation", op, "error", err)
	}
	return err
}

// isSetupError reports errors that warrant the shorter error backoff
func isSetupError(err error) bool {
	var (
		initErr *reposync.InitializationError
		resErr  *branch.ResolutionError
	)
	return errors.As(err, &initErr) || errors.As(err, &resErr)
}

// FailureReason turns an apply error into a user-facing phrase
func FailureReason(err error) string {
	var (
		installErr *deps.InstallError
		recErr     *reposync.ReconcileError
		restartErr *restart.Error
	)
	switch {
	case errors.As(err, &installErr):
		return "update failed during dependency install"
	case errors.As(err, &recErr):
		return "update failed during " + recErr.Step
	case errors.As(err, &restartErr):
		return "services restart failed"
	default:
		return "update failed"
	}
}
