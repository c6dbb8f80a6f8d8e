package txn

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewStore(filepath.Join(dir, "pending.json"), filepath.Join(dir, "pending.lock"), logger)
	s.now = func() time.Time { return testNow }
	return s
}

func TestStore_PublishAndConsume(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, tx, "empty mailbox consumes nothing")

	first := sampleTransaction()
	require.NoError(t, s.Publish(ctx, first))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second := New("aaaaaaaaaaaa", "cccccccccccc", "main", testNow)
	err = s.Publish(ctx, second)
	assert.ErrorIs(t, err, ErrPendingExists)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, first.ID, pending.ID, "existing transaction stays authoritative")

	got, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	again, err := s.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "consumption removes the record")

	require.NoError(t, s.Publish(ctx, second))
}

func TestStore_ApproveAndConsumeApproved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Approve(ctx, "")
	assert.ErrorIs(t, err, ErrNoPending)

	tx := sampleTransaction()
	require.NoError(t, s.Publish(ctx, tx))

	got, err := s.ConsumeApproved(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "detected transactions are not consumed by the approved path")

	_, err = s.Approve(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrIDMismatch)

	approved, err := s.Approve(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)

	_, err = s.Approve(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrNotDetected)
	_, err = s.Cancel(ctx, "")
	assert.ErrorIs(t, err, ErrNotDetected)

	got, err = s.ConsumeApproved(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, StatusApproved, got.Status)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestStore_Cancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx := sampleTransaction()
	require.NoError(t, s.Publish(ctx, tx))

	cancelled, err := s.Cancel(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)

	_, err = s.Cancel(ctx, "")
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestStore_InvalidRecordMovedAside(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, os.WriteFile(s.Path(), []byte("{'old': 'eval me'}"), 0600))

	_, err := s.Pending(ctx)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))

	matches, err := filepath.Glob(s.Path() + ".invalid-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, s.Publish(ctx, sampleTransaction()), "mailbox is usable again")
}

func TestStore_PublishRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	tx := sampleTransaction()
	tx.Branch = ""
	assert.ErrorIs(t, s.Publish(context.Background(), tx), ErrInvalidRecord)
}

func TestStore_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		published int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Publish(ctx, New("aaaa", "bbbb", "main", testNow))
			if err == nil {
				mu.Lock()
				published++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, published, "exactly one publisher wins the slot")
}
