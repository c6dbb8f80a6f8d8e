package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/schaermu/selfupdated/internal/backup"
	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/restart"
	reposync "github.com/schaermu/selfupdated/internal/sync"
	"github.com/schaermu/selfupdated/internal/txn"
)

func printStatus(w io.Writer, cfg *config.Config, state reposync.RepositoryState, units []restart.UnitStatus, pending *txn.Transaction) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	_, _ = fmt.Fprintf(w, "Repository: %s\n", cfg.Repo.Path)
	_, _ = fmt.Fprint(w, "Branch:     ")
	_, _ = cyan.Fprintf(w, "%s/%s\n", cfg.Repo.Remote, state.Branch)
	_, _ = fmt.Fprint(w, "Local:      ")
	_, _ = yellow.Fprintln(w, txn.Short(state.LocalCommit))
	_, _ = fmt.Fprint(w, "Remote:     ")
	_, _ = yellow.Fprint(w, txn.Short(state.RemoteCommit))
	if !state.FetchedAt.IsZero() {
		_, _ = fmt.Fprintf(w, " (fetched %s)", humanize.Time(state.FetchedAt))
	}
	_, _ = fmt.Fprintln(w)

	switch {
	case state.RemoteCommit == "":
		_, _ = yellow.Fprintln(w, "Remote branch unknown")
	case state.Behind():
		_, _ = yellow.Fprintln(w, "Update available")
	default:
		_, _ = green.Fprintln(w, "Up to date")
	}
	if state.IsDirty {
		_, _ = red.Fprintln(w, "Working copy has local modifications")
	}

	mode := "automatic"
	if !cfg.Update.AutoApply {
		mode = "approval required"
	}
	_, _ = fmt.Fprintf(w, "Mode:       %s, restart %s\n", mode, cfg.Update.Restart)

	if len(units) > 0 {
		_, _ = fmt.Fprintln(w, "Services:")
		for _, u := range units {
			_, _ = fmt.Fprintf(w, "  %-30s ", u.Name)
			_, _ = unitColor(u.State).Fprintln(w, u.State)
		}
	}

	if pending != nil {
		_, _ = fmt.Fprintln(w)
		printTransaction(w, pending)
	}
}

func printTransaction(w io.Writer, tx *txn.Transaction) {
	yellow := color.New(color.FgYellow)

	_, _ = yellow.Fprintf(w, "transaction %s ", tx.ID)
	_, _ = statusColor(tx.Status).Fprintf(w, "[%s]\n", tx.Status)
	_, _ = fmt.Fprintf(w, "Update:   %s -> %s on %s\n", txn.Short(tx.OldCommit), txn.Short(tx.NewCommit), tx.Branch)
	if tx.Author != "" {
		_, _ = fmt.Fprintf(w, "Author:   %s\n", tx.Author)
	}
	_, _ = fmt.Fprintf(w, "Detected: %s (%s)\n", tx.DetectedAt.Local().Format(time.DateTime), humanize.Time(tx.DetectedAt))
	if tx.StashRef != "" {
		_, _ = fmt.Fprintf(w, "Stash:    %s\n", txn.Short(tx.StashRef))
	}
	if tx.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:    %s\n", tx.Error)
	}
	if msg := firstLine(tx.Message); msg != "" {
		_, _ = fmt.Fprintf(w, "\n    %s\n", msg)
	}
}

func printHistory(w io.Writer, txs []*txn.Transaction) {
	if len(txs) == 0 {
		_, _ = fmt.Fprintln(w, "No transactions yet")
		return
	}
	yellow := color.New(color.FgYellow)
	for _, tx := range txs {
		_, _ = yellow.Fprintf(w, "%s ", txn.Short(tx.NewCommit))
		_, _ = statusColor(tx.Status).Fprintf(w, "%-9s ", tx.Status)
		_, _ = fmt.Fprintf(w, "%-14s %s", humanize.Time(tx.UpdatedAt), tx.Branch)
		if msg := firstLine(tx.Message); msg != "" {
			_, _ = fmt.Fprintf(w, "  %s", msg)
		}
		_, _ = fmt.Fprintln(w)
	}
}

func printBackups(w io.Writer, records []backup.Record) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No backups")
		return
	}
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s  %s\n", humanize.Time(rec.CreatedAt), rec.BackupPath)
	}
}

func unitColor(state string) *color.Color {
	switch state {
	case "active":
		return color.New(color.FgGreen)
	case "failed":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func statusColor(s txn.Status) *color.Color {
	switch s {
	case txn.StatusApplied:
		return color.New(color.FgGreen)
	case txn.StatusFailed:
		return color.New(color.FgRed, color.Bold)
	case txn.StatusApproved:
		return color.New(color.FgCyan)
	case txn.StatusCancelled:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgYellow)
	}
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
