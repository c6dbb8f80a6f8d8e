package agent

import (
	"fmt"
	"log/slog"

	"github.com/schaermu/selfupdated/internal/backup"
	"github.com/schaermu/selfupdated/internal/branch"
	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/deps"
	"github.com/schaermu/selfupdated/internal/git"
	"github.com/schaermu/selfupdated/internal/journal"
	"github.com/schaermu/selfupdated/internal/notify"
	"github.com/schaermu/selfupdated/internal/perms"
	"github.com/schaermu/selfupdated/internal/restart"
	reposync "github.com/schaermu/selfupdated/internal/sync"
	"github.com/schaermu/selfupdated/internal/systemd"
	"github.com/schaermu/selfupdated/internal/txn"
)

// agentExclude keeps the agent's own state out of git status
const agentExclude = "/.selfupdated/"

// FromConfig wires every component from a validated configuration
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Loop, error) {
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	resolver := &branch.Resolver{
		Git:       gitClient,
		Remote:    cfg.Repo.Remote,
		Override:  cfg.Repo.Branch,
		Fallbacks: cfg.Repo.FallbackBranches,
		Logger:    logger,
	}

	backups := backup.NewManager(cfg.Repo.Path, cfg.Paths.BackupDir, logger)

	excludes := []string{agentExclude}
	if rel, ok := cfg.BackupInsideRepo(); ok {
		excludes = append(excludes, "/"+rel+"/")
	}

	synchronizer := reposync.New(gitClient, resolver, backups, reposync.Options{
		Dir:              cfg.Repo.Path,
		Remote:           cfg.Repo.Remote,
		URL:              cfg.Repo.URL,
		MinFetchInterval: cfg.Update.MinFetchInterval.Std(),
		ManagedFiles:     cfg.Update.ManagedFiles,
		BackupRequired:   cfg.Update.BackupRequired,
		Excludes:         excludes,
	}, logger)

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up notifications: %w", err)
	}

	components := Components{
		Sync:    synchronizer,
		Store:   txn.NewStore(cfg.PendingFilePath(), cfg.PendingLockPath(), logger),
		Journal: journal.New(cfg.JournalPath()),
		Restarter: &restart.Orchestrator{
			Manager: systemd.NewClient(cfg.Services.Scope == config.ScopeUser),
			Logger:  logger,
		},
		Installer: &deps.Installer{
			Git:       gitClient,
			Dir:       cfg.Repo.Path,
			Manifests: cfg.Dependencies.Manifests,
			Command:   cfg.Dependencies.InstallCommand,
			Timeout:   cfg.Dependencies.Timeout.Std(),
			Logger:    logger,
		},
		Backups:  backups,
		Notifier: notifier,
		Commits:  gitClient,
		Modes: &perms.Enforcer{
			Root:   cfg.Repo.Path,
			Rules:  perms.RulesFromConfig(cfg.Update.FileModes),
			Logger: logger,
		},
	}

	opts := Options{
		AutoApply:    cfg.Update.AutoApply,
		Restart:      cfg.Update.Restart,
		Services:     restart.FromConfig(cfg.Services.Units),
		PollInterval: cfg.Update.PollInterval.Std(),
		ErrorBackoff: cfg.Update.ErrorBackoff.Std(),
		Retention: backup.Retention{
			MaxCount: cfg.Update.BackupRetention.MaxCount,
			MaxAge:   cfg.Update.BackupRetention.MaxAge.Std(),
		},
		ReconcileLockPath: cfg.ReconcileLockPath(),
	}

	return New(components, opts, logger), nil
}
