package restart

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/selfupdated/internal/config"
)

type fakeManager struct {
	calls     []string
	stopErr   map[string]error
	startErr  map[string]error
	reloadErr error
	available bool
	availErr  error
	states    map[string]string
}

func (f *fakeManager) Stop(_ context.Context, unit string) error {
	f.calls = append(f.calls, "stop "+unit)
	return f.stopErr[unit]
}

func (f *fakeManager) Start(_ context.Context, unit string) error {
	f.calls = append(f.calls, "start "+unit)
	return f.startErr[unit]
}

func (f *fakeManager) RestartNoBlock(_ context.Context, unit string) error {
	f.calls = append(f.calls, "restart-no-block "+unit)
	return nil
}

func (f *fakeManager) DaemonReload(context.Context) error {
	f.calls = append(f.calls, "daemon-reload")
	return f.reloadErr
}

func (f *fakeManager) IsAvailable(context.Context) (bool, error) { return f.available, f.availErr }

func (f *fakeManager) ActiveState(_ context.Context, unit string) (string, error) {
	state, ok := f.states[unit]
	if !ok {
		return "", errors.New("no such unit")
	}
	return state, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRestart_Order(t *testing.T) {
	m := &fakeManager{}
	o := &Orchestrator{Manager: m, Logger: testLogger()}

	services := []Service{
		{Name: "web.service", StopOrder: 1, StartOrder: 3},
		{Name: "selfupdated.service", Self: true},
		{Name: "worker.service", StopOrder: 2, StartOrder: 2},
		{Name: "db.service", StopOrder: 3, StartOrder: 1},
	}
	require.NoError(t, o.Restart(context.Background(), services))

	assert.Equal(t, []string{
		"stop web.service",
		"stop worker.service",
		"stop db.service",
		"start db.service",
		"start worker.service",
		"start web.service",
		"restart-no-block selfupdated.service",
	}, m.calls)
}

func TestRestart_TiesOrderedByName(t *testing.T) {
	m := &fakeManager{}
	o := &Orchestrator{Manager: m, Logger: testLogger()}

	require.NoError(t, o.Restart(context.Background(), []Service{{Name: "b"}, {Name: "a"}}))
	assert.Equal(t, []string{"stop a", "stop b", "start a", "start b"}, m.calls)
}

func TestRestart_InterruptedStopIsSuccess(t *testing.T) {
	interrupted := exec.Command("/bin/sh", "-c", "kill -INT $$").Run()
	require.Error(t, interrupted)

	m := &fakeManager{stopErr: map[string]error{"bot.service": interrupted}}
	o := &Orchestrator{Manager: m, Logger: testLogger()}

	require.NoError(t, o.Restart(context.Background(), []Service{{Name: "bot.service"}}))
	assert.Equal(t, []string{"stop bot.service", "start bot.service"}, m.calls)
}

func TestRestart_CollectsFailures(t *testing.T) {
	stopFail := errors.New("stop timed out")
	startFail := errors.New("start failed")
	m := &fakeManager{
		stopErr:  map[string]error{"a": stopFail},
		startErr: map[string]error{"b": startFail},
	}
	o := &Orchestrator{Manager: m, Logger: testLogger()}

	err := o.Restart(context.Background(), []Service{{Name: "a", StopOrder: 1}, {Name: "b", StopOrder: 2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, stopFail)
	assert.ErrorIs(t, err, startFail)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "a", rerr.Service)
	assert.Equal(t, "stop", rerr.Phase)

	assert.Len(t, m.calls, 4, "every service is attempted in both phases")
}

func TestShouldRestart(t *testing.T) {
	tests := []struct {
		policy  config.RestartPolicy
		stashed bool
		want    bool
	}{
		{config.RestartChanged, false, false},
		{config.RestartChanged, true, true},
		{config.RestartAlways, false, true},
		{config.RestartAlways, true, true},
		{config.RestartNone, true, false},
		{config.RestartNone, false, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldRestart(tt.policy, tt.stashed), "policy=%s stashed=%v", tt.policy, tt.stashed)
	}
}

func TestFromConfig(t *testing.T) {
	services := FromConfig([]config.ServiceConfig{
		{Name: "app.service", StopOrder: 1, StartOrder: 2},
		{Name: "selfupdated.service", Self: true},
	})
	require.Len(t, services, 2)
	assert.Equal(t, Service{Name: "app.service", StopOrder: 1, StartOrder: 2}, services[0])
	assert.True(t, services[1].Self)
}

func TestUnitFilesChanged(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  bool
	}{
		{name: "no changes", want: false},
		{name: "code only", paths: []string{"app.py", "requirements.txt"}, want: false},
		{name: "service file", paths: []string{"app.py", "deploy/app.service"}, want: true},
		{name: "timer file", paths: []string{"backup.timer"}, want: true},
		{name: "suffix in the middle", paths: []string{"app.service.md"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnitFilesChanged(tt.paths))
		})
	}
}

func TestReload(t *testing.T) {
	m := &fakeManager{}
	o := &Orchestrator{Manager: m, Logger: testLogger()}
	require.NoError(t, o.Reload(context.Background()))
	assert.Equal(t, []string{"daemon-reload"}, m.calls)

	m.reloadErr = errors.New("access denied")
	err := o.Reload(context.Background())
	var restartErr *Error
	require.ErrorAs(t, err, &restartErr)
	assert.Equal(t, "reload", restartErr.Phase)
	assert.Equal(t, "failed to reload units: access denied", err.Error())
}

func TestAvailable(t *testing.T) {
	o := &Orchestrator{Manager: &fakeManager{available: true}, Logger: testLogger()}
	assert.NoError(t, o.Available(context.Background()))

	o.Manager = &fakeManager{}
	assert.EqualError(t, o.Available(context.Background()), "service manager unavailable")

	o.Manager = &fakeManager{availErr: errors.New("systemd manager is offline")}
	assert.EqualError(t, o.Available(context.Background()), "systemd manager is offline")
}

func TestStatus(t *testing.T) {
	m := &fakeManager{states: map[string]string{"web.service": "active", "worker.service": "failed"}}
	o := &Orchestrator{Manager: m, Logger: testLogger()}

	got := o.Status(context.Background(), []Service{
		{Name: "worker.service", StopOrder: 2},
		{Name: "web.service", StopOrder: 1},
		{Name: "gone.service", StopOrder: 3},
	})
	assert.Equal(t, []UnitStatus{
		{Name: "web.service", State: "active"},
		{Name: "worker.service", State: "failed"},
		{Name: "gone.service", State: "unknown"},
	}, got)
}
