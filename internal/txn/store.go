package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/selfupdated/internal/lock"
)

// Store is the single-slot mailbox holding at most one pending transaction.
// Every read-modify-write happens under an exclusive file lock and every
// write replaces the record atomically, so the detecting and applying
// processes never observe a partial record.
type Store struct {
	path     string
	lockPath string
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a mailbox at path guarded by lockPath
func NewStore(path, lockPath string, logger *slog.Logger) *Store {
	return &Store{
		path:     path,
		lockPath: lockPath,
		logger:   logger,
		now:      time.Now,
	}
}

// Path returns the mailbox file path
func (s *Store) Path() string {
	return s.path
}

// Publish stores tx as the pending transaction. If one is already pending
// it is left untouched and ErrPendingExists is returned.
func (s *Store) Publish(ctx context.Context, tx *Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	return s.withLock(ctx, func() error {
		existing, err := s.read()
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.NewCommit == tx.NewCommit {
				s.logger.Debug("update already pending", existing.LogAttrs()...)
			} else {
				s.logger.Warn("ignoring newly detected update while another is pending",
					"pending_transaction", existing.ID,
					"pending_new_commit", Short(existing.NewCommit),
					"pending_status", existing.Status,
					"detected_new_commit", Short(tx.NewCommit))
			}
			return ErrPendingExists
		}

		if err := s.write(tx); err != nil {
			return err
		}
		s.logger.Info("published pending update", tx.LogAttrs()...)
		return nil
	})
}

// Pending returns the pending transaction without removing it, or nil
func (s *Store) Pending(ctx context.Context) (*Transaction, error) {
	var tx *Transaction
	err := s.withLock(ctx, func() error {
		var err error
		tx, err = s.read()
		return err
	})
	return tx, err
}

// Consume removes and returns the pending transaction, or nil if there is none
func (s *Store) Consume(ctx context.Context) (*Transaction, error) {
	return s.consumeIf(ctx, func(*Transaction) bool { return true })
}

// ConsumeApproved removes and returns the pending transaction only if it
// has been approved. A Detected transaction stays in place.
func (s *Store) ConsumeApproved(ctx context.Context) (*Transaction, error) {
	return s.consumeIf(ctx, func(tx *Transaction) bool { return tx.Status == StatusApproved })
}

func (s *Store) consumeIf(ctx context.Context, match func(*Transaction) bool) (*Transaction, error) {
	var consumed *Transaction
	err := s.withLock(ctx, func() error {
		tx, err := s.read()
		if err != nil || tx == nil || !match(tx) {
			return err
		}
		if err := s.remove(); err != nil {
			return err
		}
		consumed = tx
		return nil
	})
	return consumed, err
}

// Approve moves the pending transaction from Detected to Approved. An empty
// id approves whatever is pending.
func (s *Store) Approve(ctx context.Context, id string) (*Transaction, error) {
	var approved *Transaction
	err := s.withLock(ctx, func() error {
		tx, err := s.readForDecision(id)
		if err != nil {
			return err
		}
		if err := tx.Transition(StatusApproved, s.now()); err != nil {
			return err
		}
		if err := s.write(tx); err != nil {
			return err
		}
		approved = tx
		return nil
	})
	if err == nil {
		s.logger.Info("approved pending update", approved.LogAttrs()...)
	}
	return approved, err
}

// Cancel moves the pending transaction from Detected to Cancelled and
// removes it from the mailbox. An empty id cancels whatever is pending.
func (s *Store) Cancel(ctx context.Context, id string) (*Transaction, error) {
	var cancelled *Transaction
	err := s.withLock(ctx, func() error {
		tx, err := s.readForDecision(id)
		if err != nil {
			return err
		}
		if err := tx.Transition(StatusCancelled, s.now()); err != nil {
			return err
		}
		if err := s.remove(); err != nil {
			return err
		}
		cancelled = tx
		return nil
	})
	if err == nil {
		s.logger.Info("cancelled pending update", cancelled.LogAttrs()...)
	}
	return cancelled, err
}

func (s *Store) readForDecision(id string) (*Transaction, error) {
	tx, err := s.read()
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrNoPending
	}
	if id != "" && id != tx.ID {
		return nil, fmt.Errorf("%w: pending is %s", ErrIDMismatch, tx.ID)
	}
	if tx.Status != StatusDetected {
		return nil, fmt.Errorf("%w: status is %s", ErrNotDetected, tx.Status)
	}
	return tx, nil
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	l, err := lock.Acquire(ctx, s.lockPath)
	if err != nil {
		return fmt.Errorf("failed to lock pending transaction: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			s.logger.Warn("failed to release lock", "path", s.lockPath, "error", err)
		}
	}()
	return fn()
}

// read loads the record. A record that fails validation is moved aside so
// it cannot block the mailbox forever, and the decode error is returned.
func (s *Store) read() (*Transaction, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending transaction: %w", err)
	}

	tx, err := Decode(data)
	if err != nil {
		quarantine := fmt.Sprintf("%s.invalid-%d", s.path, s.now().UnixNano())
		if rerr := os.Rename(s.path, quarantine); rerr != nil {
			s.logger.Error("failed to move invalid record aside", "path", s.path, "error", rerr)
		} else {
			s.logger.Error("moved invalid pending transaction aside", "path", quarantine, "error", err)
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) write(tx *Transaction) error {
	data, err := Encode(tx)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write pending transaction: %w", err)
	}
	return nil
}

func (s *Store) remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove pending transaction: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".selfupdated-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
