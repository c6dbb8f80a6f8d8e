// Package webhook serves the inbound HTTP surface: GitHub push events that
// trigger an immediate update check, and approve/cancel decisions for the
// pending update transaction.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/notify"
	"github.com/schaermu/selfupdated/internal/txn"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Agent is the update loop as seen by the server
type Agent interface {
	// Trigger requests an immediate cycle; at most one request is queued
	Trigger()
	// AutoApply reports whether updates are applied without approval
	AutoApply() bool
}

// Mailbox holds the pending transaction
type Mailbox interface {
	Pending(ctx context.Context) (*txn.Transaction, error)
	Approve(ctx context.Context, id string) (*txn.Transaction, error)
	Cancel(ctx context.Context, id string) (*txn.Transaction, error)
}

// Journal records cancelled transactions
type Journal interface {
	Record(ctx context.Context, tx *txn.Transaction) error
}

// Server implements the webhook HTTP server
type Server struct {
	cfg      *config.Config
	agent    Agent
	mailbox  Mailbox
	journal  Journal
	logger   *slog.Logger
	secret   []byte
	debounce *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, agent Agent, mailbox Mailbox, journal Journal, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		cfg:      cfg,
		agent:    agent,
		mailbox:  mailbox,
		journal:  journal,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: 2 * time.Second},
	}, nil
}

// Handler returns the routes served by the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/push", s.handlePush)
	mux.HandleFunc("GET /transactions/pending", s.handlePending)
	mux.HandleFunc("POST /transactions/{id}/approve", s.handleDecision(decisionApprove))
	mux.HandleFunc("POST /transactions/{id}/cancel", s.handleDecision(decisionCancel))
	return mux
}

// Start serves on ln until ctx is cancelled. A nil ln listens on the
// configured address.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handlePush handles incoming GitHub push events
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, ok := s.readSigned(w, r, "X-Hub-Signature-256")
	if !ok {
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for updates\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for updates\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	// Pushes often arrive in bursts; one check after the last is enough.
	s.debounce.trigger(s.agent.Trigger)

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Update check triggered\n")
}

// handlePending returns the pending transaction
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tx, err := s.mailbox.Pending(r.Context())
	if err != nil {
		s.logger.Error("failed to read pending transaction", "error", err)
		http.Error(w, "Failed to read pending transaction", http.StatusInternalServerError)
		return
	}
	if tx == nil {
		http.Error(w, "No pending transaction", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type decision string

const (
	decisionApprove decision = "approve"
	decisionCancel  decision = "cancel"
)

// DecisionRequest is the signed body of an approve or cancel request. It
// names the transaction and the decision so a captured signature cannot be
// replayed against another transaction or route.
type DecisionRequest struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

// handleDecision approves or cancels the pending transaction named in the
// path. The signed body must repeat the path id and the decision.
func (s *Server) handleDecision(d decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readSigned(w, r, notify.SignatureHeader)
		if !ok {
			return
		}

		id := r.PathValue("id")
		var req DecisionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid decision body", http.StatusBadRequest)
			return
		}
		if req.ID != id || decision(req.Decision) != d {
			s.logger.Warn("rejecting decision that does not match its route", "transaction", id, "body_id", req.ID, "body_decision", req.Decision)
			http.Error(w, "Decision body does not match request path", http.StatusBadRequest)
			return
		}

		if s.agent.AutoApply() {
			http.Error(w, "Updates are applied automatically; nothing to "+string(d), http.StatusConflict)
			return
		}

		var (
			tx  *txn.Transaction
			err error
		)
		switch d {
		case decisionApprove:
			tx, err = s.mailbox.Approve(r.Context(), id)
		case decisionCancel:
			tx, err = s.mailbox.Cancel(r.Context(), id)
		}
		if err != nil {
			status := decisionStatus(err)
			if status == http.StatusInternalServerError {
				s.logger.Error("failed to "+string(d)+" transaction", "transaction", id, "error", err)
			} else {
				s.logger.Warn("rejected "+string(d)+" request", "transaction", id, "error", err)
			}
			http.Error(w, err.Error(), status)
			return
		}

		switch d {
		case decisionApprove:
			s.agent.Trigger()
		case decisionCancel:
			if err := s.journal.Record(r.Context(), tx); err != nil {
				s.logger.Warn("failed to journal cancelled transaction", append(tx.LogAttrs(), "error", err)...)
			}
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

func decisionStatus(err error) int {
	switch {
	case errors.Is(err, txn.ErrNoPending):
		return http.StatusNotFound
	case errors.Is(err, txn.ErrIDMismatch), errors.Is(err, txn.ErrNotDetected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// readSigned reads the body and checks its HMAC in header. On failure the
// response has been written.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, header string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return nil, false
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(header)) {
		s.logger.Warn("rejecting request with invalid signature", "path", r.URL.Path)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return nil, false
	}
	return body, true
}

// verifySignature verifies a sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
