// Package systemd controls service units by shelling out to systemctl.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Manager provides the unit operations needed to restart managed services
type Manager interface {
	// Stop stops a unit and waits for it to finish
	Stop(ctx context.Context, unit string) error
	// Start starts a unit and waits for it to become active
	Start(ctx context.Context, unit string) error
	// RestartNoBlock queues a restart without waiting for it. Used for the
	// unit running this process, which would otherwise be killed mid-call.
	RestartNoBlock(ctx context.Context, unit string) error
	// DaemonReload reloads unit files
	DaemonReload(ctx context.Context) error
	// IsAvailable checks if systemctl can talk to the manager
	IsAvailable(ctx context.Context) (bool, error)
	// ActiveState returns the unit's active state, e.g. "active" or "failed"
	ActiveState(ctx context.Context, unit string) (string, error)
}

// UnitError reports a failed systemctl invocation
type UnitError struct {
	Unit     string
	Action   string
	Output   string
	ExitCode int
	Err      error
}

func (e *UnitError) Error() string {
	target := e.Action
	if e.Unit != "" {
		target += " " + e.Unit
	}
	if e.Output != "" {
		return fmt.Sprintf("systemctl %s failed: %v: %s", target, e.Err, e.Output)
	}
	return fmt.Sprintf("systemctl %s failed: %v", target, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Client implements Manager for either the system or the user manager
type Client struct {
	user      bool
	systemctl string
}

// NewClient creates a client. With user set, every call targets the
// calling user's service manager.
func NewClient(user bool) *Client {
	return &Client{user: user, systemctl: "systemctl"}
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	if c.user {
		args = append([]string{"--user"}, args...)
	}
	return exec.CommandContext(ctx, c.systemctl, args...)
}

func (c *Client) run(ctx context.Context, action, unit string, args ...string) error {
	output, err := c.command(ctx, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &UnitError{
		Unit:     unit,
		Action:   action,
		Output:   strings.TrimSpace(string(output)),
		ExitCode: code,
		Err:      err,
	}
}

// Stop stops a unit
func (c *Client) Stop(ctx context.Context, unit string) error {
	return c.run(ctx, "stop", unit, "stop", unit)
}

// Start starts a unit
func (c *Client) Start(ctx context.Context, unit string) error {
	return c.run(ctx, "start", unit, "start", unit)
}

// RestartNoBlock enqueues a restart job and returns immediately
func (c *Client) RestartNoBlock(ctx context.Context, unit string) error {
	return c.run(ctx, "restart", unit, "restart", "--no-block", unit)
}

// DaemonReload reloads the manager configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	return c.run(ctx, "daemon-reload", "", "daemon-reload")
}

// IsAvailable checks if systemctl can talk to the manager
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	output, err := c.command(ctx, "is-system-running").Output()
	if strings.TrimSpace(string(output)) == "offline" {
		return false, fmt.Errorf("systemd manager is offline")
	}

	// is-system-running exits non-zero for degraded or starting systems, which
	// are still usable. Only a missing binary or bus is a real failure.
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 && exitErr.ExitCode() <= 3 {
			return true, nil
		}
		return false, fmt.Errorf("systemctl not available: %w", err)
	}

	return true, nil
}

// ActiveState returns the output of is-active for a unit
func (c *Client) ActiveState(ctx context.Context, unit string) (string, error) {
	output, err := c.command(ctx, "is-active", unit).Output()
	state := strings.TrimSpace(string(output))
	if err != nil {
		// is-active exits non-zero for inactive units; only missing output is an error
		if state == "" {
			return "", &UnitError{Unit: unit, Action: "is-active", Err: err}
		}
	}
	return state, nil
}

// Interrupted reports whether err comes from a process that was stopped by
// SIGINT or SIGTERM. Stopping a unit that shares the caller's process group
// can end that way and still count as a successful stop.
func Interrupted(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return sig == unix.SIGINT || sig == unix.SIGTERM
	}
	switch exitErr.ExitCode() {
	case 128 + int(unix.SIGINT), 128 + int(unix.SIGTERM):
		return true
	}
	return false
}
