package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/selfupdated/internal/activation"
	"github.com/schaermu/selfupdated/internal/agent"
	"github.com/schaermu/selfupdated/internal/backup"
	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/journal"
	"github.com/schaermu/selfupdated/internal/txn"
	"github.com/schaermu/selfupdated/internal/webhook"
)

var (
	historyLimit int
	statusFetch  bool
)

// errAutoApply is returned by commands that only make sense when updates
// wait for approval
var errAutoApply = errors.New("update.auto_apply is enabled: updates are applied without approval")

// env bundles what every command needs
type env struct {
	ctx    context.Context
	logger *slog.Logger
	cfg    *config.Config
}

func setup() (*env, context.CancelFunc, error) {
	ctx, cancel := setupSignalHandler()
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return &env{ctx: ctx, logger: logger, cfg: cfg}, cancel, nil
}

func (e *env) store() *txn.Store {
	return txn.NewStore(e.cfg.PendingFilePath(), e.cfg.PendingLockPath(), e.logger)
}

func (e *env) journal() *journal.Journal {
	return journal.New(e.cfg.JournalPath())
}

func (e *env) backups() *backup.Manager {
	return backup.NewManager(e.cfg.Repo.Path, e.cfg.Paths.BackupDir, e.logger)
}

func (e *env) retention() backup.Retention {
	return backup.Retention{
		MaxCount: e.cfg.Update.BackupRetention.MaxCount,
		MaxAge:   e.cfg.Update.BackupRetention.MaxAge.Std(),
	}
}

func (e *env) requireGated() error {
	if e.cfg.Update.AutoApply {
		return errAutoApply
	}
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the update loop until interrupted",
	Long: `Run polls the remote every update.poll_interval. With update.auto_apply set,
detected updates are applied immediately; otherwise they are published as a
pending transaction and applied once approved.

The process exits non-zero only when the working copy cannot be set up at all,
so a supervisor such as systemd can restart it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		loop, err := agent.FromConfig(e.cfg, e.logger)
		if err != nil {
			return err
		}
		return loop.Run(e.ctx)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the update loop together with the webhook server",
	Long: `Serve runs the update loop and an HTTP server that accepts GitHub push events
(triggering an immediate check) and approve/cancel decisions for the pending
update. The listener is taken from systemd socket activation when present,
otherwise serve.listen_addr is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		if err := e.cfg.ValidateServe(); err != nil {
			return err
		}

		loop, err := agent.FromConfig(e.cfg, e.logger)
		if err != nil {
			return err
		}
		server, err := webhook.NewServer(e.cfg, loop, loop.Store(), e.journal(), e.logger)
		if err != nil {
			return err
		}
		ln, err := activation.Listener("")
		if err != nil {
			return fmt.Errorf("socket activation: %w", err)
		}
		if ln != nil {
			e.logger.Info("using socket-activated listener", "addr", ln.Addr().String())
		}

		g, ctx := errgroup.WithContext(e.ctx)
		g.Go(func() error {
			return loop.Run(ctx)
		})
		g.Go(func() error {
			return server.Start(ctx, ln)
		})
		return g.Wait()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single update cycle",
	Long: `Check runs one cycle of the update loop: with update.auto_apply it applies a
detected update, otherwise it applies an approved pending update or publishes
a newly detected one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		loop, err := agent.FromConfig(e.cfg, e.logger)
		if err != nil {
			return err
		}
		if err := loop.RunCycle(e.ctx); err != nil {
			if errors.Is(err, agent.ErrBusy) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Another process is updating the repository; nothing done")
				return nil
			}
			return err
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the working copy state and any pending update",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		loop, err := agent.FromConfig(e.cfg, e.logger)
		if err != nil {
			return err
		}
		state, err := loop.Synchronizer().State(e.ctx, statusFetch)
		if err != nil {
			return fmt.Errorf("failed to read repository state: %w", err)
		}
		pending, err := loop.Store().Pending(e.ctx)
		if err != nil {
			return fmt.Errorf("failed to read pending update: %w", err)
		}
		printStatus(cmd.OutOrStdout(), e.cfg, state, loop.UnitStates(e.ctx), pending)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show the pending update transaction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		tx, err := e.store().Pending(e.ctx)
		if err != nil {
			return err
		}
		if tx == nil {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No pending update")
			return nil
		}
		printTransaction(cmd.OutOrStdout(), tx)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve the pending update",
	Long: `Approve marks the pending update as approved. The running loop applies it
on its next cycle; use "selfupdated apply" to apply it right away. Without an
id, whatever is pending is approved.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()
		if err := e.requireGated(); err != nil {
			return err
		}

		tx, err := e.store().Approve(e.ctx, firstArg(args))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Approved update %s (%s -> %s)\n",
			tx.ID, txn.Short(tx.OldCommit), txn.Short(tx.NewCommit))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel the pending update",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()
		if err := e.requireGated(); err != nil {
			return err
		}

		tx, err := e.store().Cancel(e.ctx, firstArg(args))
		if err != nil {
			return err
		}
		if err := e.journal().Record(e.ctx, tx); err != nil {
			e.logger.Warn("failed to journal cancelled transaction", append(tx.LogAttrs(), "error", err)...)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled update %s\n", tx.ID)
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the approved pending update now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()
		if err := e.requireGated(); err != nil {
			return err
		}

		loop, err := agent.FromConfig(e.cfg, e.logger)
		if err != nil {
			return err
		}
		applied, err := loop.ApplyApproved(e.ctx)
		if err != nil {
			return err
		}
		if !applied {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No approved update to apply")
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past update transactions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		txs, err := e.journal().List(e.ctx, historyLimit)
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), txs)
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect and prune managed-file backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		records, err := e.backups().List()
		if err != nil {
			return err
		}
		printBackups(cmd.OutOrStdout(), records)
		return nil
	},
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots beyond the configured retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, cancel, err := setup()
		if err != nil {
			return err
		}
		defer cancel()

		removed, err := e.backups().Prune(e.retention())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s)\n", len(removed))
		return nil
	},
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
