package sync

import "fmt"

// NetworkError reports a failed conversation with the remote. It is
// recoverable: the next cycle retries.
type NetworkError struct {
	Op     string
	Remote string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s from %s failed: %v", e.Op, e.Remote, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// InitializationError reports a working copy that could not be created or
// opened. Fatal is set when retrying cannot help, e.g. the path cannot be
// created at all.
type InitializationError struct {
	Path  string
	Fatal bool
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize repository at %s: %v", e.Path, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ReconcileError reports a failed reconciliation step. StashRestored tells
// whether set-aside modifications were put back after the failure.
type ReconcileError struct {
	Step          string
	Stashed       bool
	StashRestored bool
	Err           error
}

func (e *ReconcileError) Error() string {
	msg := fmt.Sprintf("reconcile failed during %s: %v", e.Step, e.Err)
	switch {
	case e.Stashed && e.StashRestored:
		msg += " (local modifications restored)"
	case e.Stashed:
		msg += " (local modifications remain in the stash)"
	}
	return msg
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}
