// Package restart stops and starts managed services around an applied update.
package restart

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/schaermu/selfupdated/internal/config"
	"github.com/schaermu/selfupdated/internal/systemd"
)

// Service is a unit the orchestrator controls. Stop and start orders are
// independent; lower values go first.
type Service struct {
	Name       string
	StopOrder  int
	StartOrder int
	// Self marks the agent's own unit, restarted last without waiting
	Self bool
}

// FromConfig converts configured units into services
func FromConfig(units []config.ServiceConfig) []Service {
	services := make([]Service, 0, len(units))
	for _, u := range units {
		services = append(services, Service{
			Name:       u.Name,
			StopOrder:  u.StopOrder,
			StartOrder: u.StartOrder,
			Self:       u.Self,
		})
	}
	return services
}

// Error reports a service that failed to stop or start
type Error struct {
	Service string
	Phase   string
	Err     error
}

func (e *Error) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("failed to %s units: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("failed to %s %s: %v", e.Phase, e.Service, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ShouldRestart decides whether an applied update warrants a restart.
// Under the changed policy only an update that set aside local
// modifications does.
func ShouldRestart(policy config.RestartPolicy, stashed bool) bool {
	switch policy {
	case config.RestartAlways:
		return true
	case config.RestartChanged:
		return stashed
	default:
		return false
	}
}

// unitSuffixes are the unit file types a daemon-reload picks up
var unitSuffixes = []string{".service", ".socket", ".timer", ".target", ".path", ".mount"}

// UnitFilesChanged reports whether any of the changed paths is a unit file
func UnitFilesChanged(paths []string) bool {
	for _, p := range paths {
		if slices.Contains(unitSuffixes, filepath.Ext(p)) {
			return true
		}
	}
	return false
}

// UnitStatus is the active state of one managed unit
type UnitStatus struct {
	Name  string
	State string
}

// Orchestrator restarts services through a service manager
type Orchestrator struct {
	Manager systemd.Manager
	Logger  *slog.Logger
}

// Restart stops every service in ascending stop order, then starts every
// service in ascending start order. A stop that ends in an interruption
// signal counts as stopped. Failures do not stop the sequence; they are
// returned together once every service was attempted. The Self service is
// left out of both phases and restarted last without blocking.
func (o *Orchestrator) Restart(ctx context.Context, services []Service) error {
	var (
		others []Service
		self   *Service
	)
	for i := range services {
		if services[i].Self {
			self = &services[i]
			continue
		}
		others = append(others, services[i])
	}

	var errs []error

	for _, svc := range ordered(others, func(s Service) int { return s.StopOrder }) {
		o.Logger.Info("stopping service", "service", svc.Name, "stop_order", svc.StopOrder)
		if err := o.Manager.Stop(ctx, svc.Name); err != nil {
			if systemd.Interrupted(err) {
				o.Logger.Info("service stop interrupted by signal, treating as stopped", "service", svc.Name)
				continue
			}
			o.Logger.Error("failed to stop service", "service", svc.Name, "error", err)
			errs = append(errs, &Error{Service: svc.Name, Phase: "stop", Err: err})
		}
	}

	for _, svc := range ordered(others, func(s Service) int { return s.StartOrder }) {
		o.Logger.Info("starting service", "service", svc.Name, "start_order", svc.StartOrder)
		if err := o.Manager.Start(ctx, svc.Name); err != nil {
			o.Logger.Error("failed to start service", "service", svc.Name, "error", err)
			errs = append(errs, &Error{Service: svc.Name, Phase: "start", Err: err})
		}
	}

	if self != nil {
		o.Logger.Info("restarting own service", "service", self.Name)
		if err := o.Manager.RestartNoBlock(ctx, self.Name); err != nil {
			errs = append(errs, &Error{Service: self.Name, Phase: "restart", Err: err})
		}
	}

	return errors.Join(errs...)
}

// Available checks that the service manager can be reached
func (o *Orchestrator) Available(ctx context.Context) error {
	ok, err := o.Manager.IsAvailable(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("service manager unavailable")
	}
	return nil
}

// Reload makes the service manager re-read unit files
func (o *Orchestrator) Reload(ctx context.Context) error {
	o.Logger.Info("reloading unit files")
	if err := o.Manager.DaemonReload(ctx); err != nil {
		return &Error{Phase: "reload", Err: err}
	}
	return nil
}

// Status returns the active state of every service in stop order. A unit
// whose state cannot be read is reported as "unknown".
func (o *Orchestrator) Status(ctx context.Context, services []Service) []UnitStatus {
	statuses := make([]UnitStatus, 0, len(services))
	for _, svc := range ordered(services, func(s Service) int { return s.StopOrder }) {
		state, err := o.Manager.ActiveState(ctx, svc.Name)
		if err != nil {
			o.Logger.Debug("failed to read unit state", "service", svc.Name, "error", err)
			state = "unknown"
		}
		statuses = append(statuses, UnitStatus{Name: svc.Name, State: state})
	}
	return statuses
}

// ordered sorts by key, breaking ties by name so the order is deterministic
func ordered(services []Service, key func(Service) int) []Service {
	sorted := slices.Clone(services)
	slices.SortStableFunc(sorted, func(a, b Service) int {
		if c := cmp.Compare(key(a), key(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return sorted
}
