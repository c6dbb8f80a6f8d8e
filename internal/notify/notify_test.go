package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/txn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captured struct {
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	ch := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestHTTPNotifier_SignedPayload(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusNoContent)
	secretFile := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secretFile, []byte("s3cret\n"), 0600))

	n, err := NewHTTPNotifier(config.NotifyConfig{URL: srv.URL, SecretFile: secretFile, Timeout: config.Duration(5 * time.Second)}, testLogger())
	require.NoError(t, err)

	tx := txn.New("aaaa", "bbbb", "main", time.Now())
	tx.Message = "Fix"
	tx.Author = "Jane"
	require.NoError(t, n.UpdateDetected(context.Background(), tx))

	got := <-ch
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "update_detected", got.header.Get("X-Selfupdated-Event"))
	assert.Equal(t, Sign([]byte("s3cret"), got.body), got.header.Get(SignatureHeader))

	var p Payload
	require.NoError(t, json.Unmarshal(got.body, &p))
	assert.Equal(t, EventUpdateDetected, p.Event)
	require.NotNil(t, p.Transaction)
	assert.Equal(t, "aaaa", p.Transaction.OldCommit)
	assert.Equal(t, "bbbb", p.Transaction.NewCommit)
	assert.Equal(t, "main", p.Transaction.Branch)
	assert.Equal(t, "Fix", p.Transaction.Message)
	assert.Equal(t, "Jane", p.Transaction.Author)
}

func TestHTTPNotifier_Events(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	n, err := NewHTTPNotifier(config.NotifyConfig{URL: srv.URL}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	tx := txn.New("a", "b", "main", time.Now())

	require.NoError(t, n.UpdateApplied(ctx, tx, Outcome{Stashed: true, RestartedService: []string{"app.service"}}))
	got := <-ch
	assert.Empty(t, got.header.Get(SignatureHeader), "unsigned without a secret")
	var p Payload
	require.NoError(t, json.Unmarshal(got.body, &p))
	assert.Equal(t, EventUpdateApplied, p.Event)
	require.NotNil(t, p.Outcome)
	assert.True(t, p.Outcome.Stashed)

	require.NoError(t, n.UpdateFailed(ctx, tx, "update failed during dependency install"))
	p = Payload{}
	require.NoError(t, json.Unmarshal((<-ch).body, &p))
	assert.Equal(t, "update failed during dependency install", p.Reason)

	require.NoError(t, n.Startup(ctx, Summary{LocalCommit: "abc", Branch: "main"}))
	p = Payload{}
	require.NoError(t, json.Unmarshal((<-ch).body, &p))
	assert.Equal(t, EventStartup, p.Event)
	require.NotNil(t, p.Summary)
	assert.Equal(t, "abc", p.Summary.LocalCommit)
}

func TestHTTPNotifier_Rejected(t *testing.T) {
	srv, _ := newReceiver(t, http.StatusInternalServerError)
	n, err := NewHTTPNotifier(config.NotifyConfig{URL: srv.URL}, testLogger())
	require.NoError(t, err)

	err = n.Startup(context.Background(), Summary{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNewHTTPNotifier_MissingSecret(t *testing.T) {
	_, err := NewHTTPNotifier(config.NotifyConfig{URL: "http://x", SecretFile: "/nonexistent/secret"}, testLogger())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	n, err := New(config.NotifyConfig{}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &LogNotifier{}, n)

	n, err = New(config.NotifyConfig{URL: "http://localhost:1"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &HTTPNotifier{}, n)
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: testLogger()}
	ctx := context.Background()
	tx := txn.New("a", "b", "main", time.Now())

	assert.NoError(t, n.UpdateDetected(ctx, tx))
	assert.NoError(t, n.UpdateApplied(ctx, tx, Outcome{}))
	assert.NoError(t, n.UpdateFailed(ctx, tx, "reason"))
	assert.NoError(t, n.Startup(ctx, Summary{}))
}

func TestSign(t *testing.T) {
	// echo -n 'hello' | openssl dgst -sha256 -hmac 'key'
	assert.Equal(t, "sha256=9307b3b915efb5171ff14d8cb55fbcc798c6c0ef1456d66ded1a6aa723a58b7b", Sign([]byte("key"), []byte("hello")))
}
