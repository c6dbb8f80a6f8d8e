package sync

import (
	"time"

	"github.com/schaermu/selfupdated/internal/backup"
)

// RepositoryState is the observable state of the working copy, read fresh
// from disk every time it is needed
type RepositoryState struct {
	LocalCommit string
	// RemoteCommit is the tip of the tracked remote-tracking ref. It is only
	// current if Fetched is true or FetchedAt is recent.
	RemoteCommit string
	Branch       string
	IsDirty      bool
	Fetched      bool
	FetchedAt    time.Time
}

// Behind reports whether the remote has a commit the working copy lacks
func (s RepositoryState) Behind() bool {
	return s.RemoteCommit != "" && s.LocalCommit != s.RemoteCommit
}

// Result describes a finished reconciliation
type Result struct {
	OldCommit string
	NewCommit string
	Branch    string
	// Stashed is set when local modifications were set aside
	Stashed  bool
	StashRef string
	Backups  []backup.Record
	// AlreadyApplied is set when the working copy already was at NewCommit
	AlreadyApplied bool
}
