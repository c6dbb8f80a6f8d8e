package activation

import (
	"net"
	"os"
	"strconv"
	"testing"
)

func fakeEnv(vars map[string]string, files map[int]*os.File) env {
	return env{
		getenv: func(k string) string { return vars[k] },
		pid:    42,
		file: func(fd int, _ string) *os.File {
			return files[fd]
		},
	}
}

// socketFile returns a duplicate descriptor of a fresh TCP listener
func socketFile(t *testing.T) (*os.File, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create test listener: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("failed to get listener file: %v", err)
	}
	return f, ln.Addr().String()
}

func TestListeners_NoActivation(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "no environment", vars: nil},
		{name: "other process", vars: map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}},
		{name: "no fds", vars: map[string]string{"LISTEN_PID": "42"}},
		{name: "zero fds", vars: map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sockets, err := listeners(fakeEnv(tt.vars, nil))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sockets != nil {
				t.Errorf("expected nil listeners, got %v", sockets)
			}
		})
	}
}

func TestListeners_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "invalid pid", vars: map[string]string{"LISTEN_PID": "not-a-number", "LISTEN_FDS": "1"}},
		{name: "invalid fds", vars: map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "x"}},
		{name: "missing descriptor", vars: map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := listeners(fakeEnv(tt.vars, nil)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestListeners_NamedSockets(t *testing.T) {
	first, firstAddr := socketFile(t)
	second, secondAddr := socketFile(t)

	sockets, err := listeners(fakeEnv(
		map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "2", "LISTEN_FDNAMES": "http:"},
		map[int]*os.File{3: first, 4: second},
	))
	if err != nil {
		t.Fatalf("listeners() error: %v", err)
	}
	if len(sockets) != 2 {
		t.Fatalf("expected 2 sockets, got %d", len(sockets))
	}
	if sockets[0].Name != "http" || sockets[0].Listener.Addr().String() != firstAddr {
		t.Errorf("unexpected first socket %s %s", sockets[0].Name, sockets[0].Listener.Addr())
	}
	if sockets[1].Name != "systemd-socket-1" || sockets[1].Listener.Addr().String() != secondAddr {
		t.Errorf("unexpected second socket %s %s", sockets[1].Name, sockets[1].Listener.Addr())
	}

	ln, err := pick(sockets, "http")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	if ln.Addr().String() != firstAddr {
		t.Errorf("picked %s, want %s", ln.Addr(), firstAddr)
	}
}

func TestPick_UnknownName(t *testing.T) {
	f, _ := socketFile(t)
	sockets, err := listeners(fakeEnv(
		map[string]string{"LISTEN_PID": "42", "LISTEN_FDS": "1"},
		map[int]*os.File{3: f},
	))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pick(sockets, "webhook"); err == nil {
		t.Error("expected error for unknown socket name")
	}
}

func TestListeners_ProcessEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()+1))
	t.Setenv("LISTEN_FDS", "1")

	ln, err := Listener("")
	if err != nil {
		t.Fatalf("Listener() unexpected error: %v", err)
	}
	if ln != nil {
		t.Error("expected no listener when activation targets another process")
	}
}
