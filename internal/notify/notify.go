// Package notify tells the outside world about detected, applied and
// failed updates.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/txn"
)

// Event names the kind of notification
type Event string

const (
	EventUpdateDetected Event = "update_detected"
	EventUpdateApplied  Event = "update_applied"
	EventUpdateFailed   Event = "update_failed"
	EventStartup        Event = "startup"
)

// SignatureHeader carries the HMAC-SHA256 of the request body
const SignatureHeader = "X-Selfupdated-Signature"

// Summary describes the working copy when the agent starts
type Summary struct {
	LocalCommit string    `json:"local_commit"`
	Branch      string    `json:"branch"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	CommittedAt time.Time `json:"committed_at"`
}

// Outcome describes what applying a transaction did
type Outcome struct {
	Stashed          bool     `json:"stashed"`
	StashRef         string   `json:"stash_ref,omitempty"`
	Backups          int      `json:"backups"`
	DependenciesRun  bool     `json:"dependencies_installed"`
	RestartedService []string `json:"restarted_services,omitempty"`
}

// Payload is the JSON body posted for every event
type Payload struct {
	Event       Event            `json:"event"`
	Transaction *txn.Transaction `json:"transaction,omitempty"`
	Outcome     *Outcome         `json:"outcome,omitempty"`
	Summary     *Summary         `json:"summary,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	SentAt      time.Time        `json:"sent_at"`
}

// Notifier delivers notifications. Delivery failures are returned for
// logging; callers never treat them as fatal.
type Notifier interface {
	UpdateDetected(ctx context.Context, tx *txn.Transaction) error
	UpdateApplied(ctx context.Context, tx *txn.Transaction, outcome Outcome) error
	UpdateFailed(ctx context.Context, tx *txn.Transaction, reason string) error
	Startup(ctx context.Context, summary Summary) error
}

// New returns an HTTP notifier when a URL is configured and a log-only
// notifier otherwise
func New(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	if cfg.URL == "" {
		return &LogNotifier{Logger: logger}, nil
	}
	return NewHTTPNotifier(cfg, logger)
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) UpdateDetected(_ context.Context, tx *txn.Transaction) error {
	n.Logger.Info("notify: update detected", append(tx.LogAttrs(), "message", firstLine(tx.Message), "author", tx.Author)...)
	return nil
}

func (n *LogNotifier) UpdateApplied(_ context.Context, tx *txn.Transaction, outcome Outcome) error {
	n.Logger.Info("notify: update applied", append(tx.LogAttrs(), "stashed", outcome.Stashed, "restarted", outcome.RestartedService)...)
	return nil
}

func (n *LogNotifier) UpdateFailed(_ context.Context, tx *txn.Transaction, reason string) error {
	n.Logger.Warn("notify: update failed", append(tx.LogAttrs(), "reason", reason)...)
	return nil
}

func (n *LogNotifier) Startup(_ context.Context, s Summary) error {
	n.Logger.Info("notify: agent started", "commit", txn.Short(s.LocalCommit), "branch", s.Branch, "message", firstLine(s.Message), "author", s.Author)
	return nil
}

// HTTPNotifier posts signed JSON payloads to a URL
type HTTPNotifier struct {
	url    string
	secret []byte
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewHTTPNotifier creates a notifier posting to cfg.URL
func NewHTTPNotifier(cfg config.NotifyConfig, logger *slog.Logger) (*HTTPNotifier, error) {
	n := &HTTPNotifier{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout.Std()},
		logger: logger,
		now:    time.Now,
	}
	if cfg.SecretFile != "" {
		secret, err := os.ReadFile(cfg.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read notify secret: %w", err)
		}
		n.secret = []byte(strings.TrimSpace(string(secret)))
	}
	return n, nil
}

func (n *HTTPNotifier) UpdateDetected(ctx context.Context, tx *txn.Transaction) error {
	return n.post(ctx, Payload{Event: EventUpdateDetected, Transaction: tx})
}

func (n *HTTPNotifier) UpdateApplied(ctx context.Context, tx *txn.Transaction, outcome Outcome) error {
	return n.post(ctx, Payload{Event: EventUpdateApplied, Transaction: tx, Outcome: &outcome})
}

func (n *HTTPNotifier) UpdateFailed(ctx context.Context, tx *txn.Transaction, reason string) error {
	return n.post(ctx, Payload{Event: EventUpdateFailed, Transaction: tx, Reason: reason})
}

func (n *HTTPNotifier) Startup(ctx context.Context, s Summary) error {
	return n.post(ctx, Payload{Event: EventStartup, Summary: &s})
}

func (n *HTTPNotifier) post(ctx context.Context, p Payload) error {
	p.SentAt = n.now().UTC()
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "selfupdated")
	req.Header.Set("X-Selfupdated-Event", string(p.Event))
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver %s notification: %w", p.Event, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s notification rejected: %s", p.Event, resp.Status)
	}
	n.logger.Debug("notification delivered", "event", p.Event, "status", resp.StatusCode)
	return nil
}

// Sign returns the "sha256=<hex>" HMAC of body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
