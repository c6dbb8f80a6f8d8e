// Package txn models detected updates as durable transactions and passes
// them between processes through a single-slot mailbox file.
package txn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// RecordVersion is the only record layout this package reads or writes
const RecordVersion = 1

// Status is the lifecycle state of a transaction
type Status string

const (
	StatusDetected  Status = "detected"
	StatusApproved  Status = "approved"
	StatusApplied   Status = "applied"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusApproved, StatusApplied, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusCancelled || s == StatusFailed
}

var (
	ErrPendingExists     = errors.New("a transaction is already pending")
	ErrNoPending         = errors.New("no pending transaction")
	ErrNotDetected       = errors.New("transaction is not awaiting approval")
	ErrIDMismatch        = errors.New("transaction id does not match the pending transaction")
	ErrInvalidRecord     = errors.New("invalid transaction record")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions lists the allowed moves of the state machine
var transitions = map[Status][]Status{
	StatusDetected: {StatusApproved, StatusCancelled, StatusApplied, StatusFailed},
	StatusApproved: {StatusApplied, StatusFailed},
}

// Transaction is one detected remote advance. Commit identifiers are
// opaque strings and are never interpreted.
type Transaction struct {
	Version     int       `json:"version"`
	ID          string    `json:"id"`
	OldCommit   string    `json:"old_commit"`
	NewCommit   string    `json:"new_commit"`
	Branch      string    `json:"branch"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	CommittedAt time.Time `json:"committed_at"`
	DetectedAt  time.Time `json:"detected_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StashRef    string    `json:"stash_ref,omitempty"`
}

// New creates a Detected transaction for a move from oldCommit to newCommit
func New(oldCommit, newCommit, branch string, now time.Time) *Transaction {
	now = now.UTC()
	return &Transaction{
		Version:    RecordVersion,
		ID:         uuid.NewString(),
		OldCommit:  oldCommit,
		NewCommit:  newCommit,
		Branch:     branch,
		DetectedAt: now,
		UpdatedAt:  now,
		Status:     StatusDetected,
	}
}

// Transition moves the transaction to status to, enforcing the state machine
func (t *Transaction) Transition(to Status, now time.Time) error {
	for _, allowed := range transitions[t.Status] {
		if allowed == to {
			t.Status = to
			t.UpdatedAt = now.UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}

// Fail marks the transaction Failed and records the reason
func (t *Transaction) Fail(reason error, now time.Time) error {
	if err := t.Transition(StatusFailed, now); err != nil {
		return err
	}
	if reason != nil {
		t.Error = reason.Error()
	}
	return nil
}

// LogAttrs returns the attributes every log line about t should carry
func (t *Transaction) LogAttrs() []any {
	return []any{
		"transaction", t.ID,
		"old_commit", Short(t.OldCommit),
		"new_commit", Short(t.NewCommit),
		"branch", t.Branch,
	}
}

// Validate checks that all required fields are present and well formed
func (t *Transaction) Validate() error {
	switch {
	case t.Version != RecordVersion:
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidRecord, t.Version)
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case t.OldCommit == "":
		return fmt.Errorf("%w: old_commit is required", ErrInvalidRecord)
	case t.NewCommit == "":
		return fmt.Errorf("%w: new_commit is required", ErrInvalidRecord)
	case t.Branch == "":
		return fmt.Errorf("%w: branch is required", ErrInvalidRecord)
	case t.DetectedAt.IsZero():
		return fmt.Errorf("%w: detected_at is required", ErrInvalidRecord)
	case !t.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, t.Status)
	}
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Encode serializes t after validating it
func Encode(t *Transaction) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses a stored record. Unknown fields, trailing data and
// invalid values are rejected.
func Decode(data []byte) (*Transaction, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var t Transaction
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after record", ErrInvalidRecord)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Short abbreviates a commit identifier for display
func Short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
