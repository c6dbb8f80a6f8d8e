// Package branch decides which remote branch a working copy should track.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Git is the subset of git.Client the resolver needs
type Git interface {
	RemoteDefaultBranch(ctx context.Context, dir, remote string) (string, error)
	RemoteHead(ctx context.Context, dir, remote string) (string, error)
	SetRemoteHead(ctx context.Context, dir, remote, branch string) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
	RemoteBranches(ctx context.Context, dir, remote string) ([]string, error)
}

// ResolutionError is returned when no candidate branch exists at all
type ResolutionError struct {
	Dir    string
	Remote string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no branch of %s resolvable for %s: %v", e.Remote, e.Dir, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ErrNoRemoteBranches means the remote has no branches to choose from
var ErrNoRemoteBranches = errors.New("remote has no branches")

// Resolver picks the authoritative remote branch. The remote is asked for
// its default branch at most once per Refresh; otherwise the last answer or
// the locally recorded refs/remotes/<remote>/HEAD is used.
type Resolver struct {
	Git       Git
	Remote    string
	Override  string
	Fallbacks []string
	Logger    *slog.Logger

	mu            sync.Mutex
	refresh       bool
	remoteDefault string
}

// Refresh tells the resolver the remote was just fetched, so the next
// resolution may query the remote's default branch again
func (r *Resolver) Refresh() {
	r.mu.Lock()
	r.refresh = true
	r.mu.Unlock()
}

// strategy proposes a candidate branch; an empty result means "no opinion"
type strategy struct {
	name    string
	propose func(ctx context.Context, dir string, available []string) (string, error)
}

// Resolve returns the branch to track. Strategies are tried in order:
// configured override, the remote's default branch, the checked-out branch,
// the fallback list, and finally the lexically first remote branch. Every
// candidate must exist as a remote-tracking ref.
func (r *Resolver) Resolve(ctx context.Context, dir string) (string, error) {
	available, err := r.Git.RemoteBranches(ctx, dir, r.Remote)
	if err != nil {
		return "", &ResolutionError{Dir: dir, Remote: r.Remote, Err: err}
	}
	if len(available) == 0 {
		return "", &ResolutionError{Dir: dir, Remote: r.Remote, Err: ErrNoRemoteBranches}
	}

	for _, s := range r.strategies() {
		candidate, err := s.propose(ctx, dir, available)
		if err != nil {
			r.logger().Debug("branch strategy unavailable", "strategy", s.name, "error", err)
			continue
		}
		if candidate == "" {
			continue
		}
		if !slices.Contains(available, candidate) {
			r.logger().Warn("branch candidate has no remote ref, trying next strategy",
				"strategy", s.name, "branch", candidate, "remote", r.Remote)
			continue
		}
		r.logger().Debug("resolved branch", "strategy", s.name, "branch", candidate)
		return candidate, nil
	}

	// first-remote-ref always proposes an available branch, so this is unreachable.
	return "", &ResolutionError{Dir: dir, Remote: r.Remote, Err: ErrNoRemoteBranches}
}

func (r *Resolver) strategies() []strategy {
	return []strategy{
		{name: "override", propose: func(context.Context, string, []string) (string, error) {
			return r.Override, nil
		}},
		{name: "remote-default", propose: r.defaultBranch},
		{name: "current", propose: func(ctx context.Context, dir string, _ []string) (string, error) {
			return r.Git.CurrentBranch(ctx, dir)
		}},
		{name: "fallback", propose: func(_ context.Context, _ string, available []string) (string, error) {
			for _, name := range r.Fallbacks {
				if slices.Contains(available, name) {
					return name, nil
				}
			}
			return "", nil
		}},
		{name: "first-remote-ref", propose: func(_ context.Context, _ string, available []string) (string, error) {
			sorted := slices.Clone(available)
			slices.Sort(sorted)
			if len(sorted) > 1 {
				r.logger().Warn("no preferred branch found, picking first remote branch",
					"branch", sorted[0], "candidates", sorted)
			}
			return sorted[0], nil
		}},
	}
}

func (r *Resolver) defaultBranch(ctx context.Context, dir string, available []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.refresh {
		if r.remoteDefault != "" {
			return r.remoteDefault, nil
		}
		return r.Git.RemoteHead(ctx, dir, r.Remote)
	}

	r.refresh = false
	name, err := r.Git.RemoteDefaultBranch(ctx, dir, r.Remote)
	if err != nil {
		r.remoteDefault = ""
		return "", err
	}
	r.remoteDefault = name
	if slices.Contains(available, name) {
		if err := r.Git.SetRemoteHead(ctx, dir, r.Remote, name); err != nil {
			r.logger().Debug("failed to record remote default branch", "branch", name, "error", err)
		}
	}
	return name, nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
