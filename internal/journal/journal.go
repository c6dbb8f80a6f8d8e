// Package journal keeps the history of finished update transactions in a
// bbolt database shared by the agent and the CLI.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/schaermu/selfupdated/internal/txn"
)

var bucketTransactions = []byte("transactions")

// keyLayout is fixed width so keys sort chronologically
const keyLayout = "2006-01-02T15:04:05.000000000Z"

// DefaultTimeout bounds how long an operation waits for another process
// holding the database
const DefaultTimeout = 5 * time.Second

// Journal records transaction outcomes. The database is opened per
// operation so the long-running agent never holds the file lock while
// the CLI wants to read history.
type Journal struct {
	path    string
	timeout time.Duration
}

// New creates a journal stored at path
func New(path string) *Journal {
	return &Journal{path: path, timeout: DefaultTimeout}
}

// Path returns the database path
func (j *Journal) Path() string {
	return j.path
}

// Record upserts the outcome of tx
func (j *Journal) Record(_ context.Context, tx *txn.Transaction) error {
	data, err := txn.Encode(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	db, err := j.open(false)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	return db.Update(func(btx *bolt.Tx) error {
		b, err := btx.CreateBucketIfNotExists(bucketTransactions)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketTransactions, err)
		}
		if err := b.Put(key(tx), data); err != nil {
			return fmt.Errorf("store transaction: %w", err)
		}
		return nil
	})
}

// List returns up to limit transactions, newest first. A limit of zero or
// less returns everything.
func (j *Journal) List(_ context.Context, limit int) ([]*txn.Transaction, error) {
	if _, err := os.Stat(j.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	db, err := j.open(true)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = db.Close()
	}()

	var result []*txn.Transaction
	err = db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketTransactions)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			tx, err := txn.Decode(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			result = append(result, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (j *Journal) open(readOnly bool) (*bolt.DB, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := bolt.Open(j.path, 0600, &bolt.Options{Timeout: j.timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return db, nil
}

func key(tx *txn.Transaction) []byte {
	return []byte(tx.DetectedAt.UTC().Format(keyLayout) + "/" + tx.ID)
}
