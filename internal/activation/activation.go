// Package activation picks up listening sockets passed by systemd socket
// activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio)
const firstFD = 3

// Socket is one activated listener with the name systemd gave it
type Socket struct {
	Name     string
	Listener net.Listener
}

// env abstracts the process environment for tests
type env struct {
	getenv func(string) string
	pid    int
	file   func(fd int, name string) *os.File
}

func processEnv() env {
	return env{
		getenv: os.Getenv,
		pid:    os.Getpid(),
		file: func(fd int, name string) *os.File {
			return os.NewFile(uintptr(fd), name)
		},
	}
}

// Listeners returns the systemd-activated listeners. It returns nil if no
// socket activation is detected or the activation is not for this process.
// The activation variables are unset afterwards so children do not inherit
// them.
func Listeners() ([]Socket, error) {
	sockets, err := listeners(processEnv())
	if sockets != nil {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}
	return sockets, err
}

// Listener returns the activated listener called name, or the first one if
// name is empty. It returns nil when the process was not socket activated.
func Listener(name string) (net.Listener, error) {
	sockets, err := Listeners()
	if err != nil || sockets == nil {
		return nil, err
	}
	return pick(sockets, name)
}

func pick(sockets []Socket, name string) (net.Listener, error) {
	var chosen net.Listener
	for _, s := range sockets {
		if chosen == nil && (name == "" || s.Name == name) {
			chosen = s.Listener
			continue
		}
		_ = s.Listener.Close()
	}
	if chosen == nil {
		return nil, fmt.Errorf("no activated socket named %q", name)
	}
	return chosen, nil
}

func listeners(e env) ([]Socket, error) {
	pidStr := e.getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != e.pid {
		return nil, nil
	}

	fdsStr := e.getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if v := e.getenv("LISTEN_FDNAMES"); v != "" {
		names = strings.Split(v, ":")
	}

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		name := "systemd-socket-" + strconv.Itoa(i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := e.file(fd, name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		// FileListener dups the descriptor; the original is closed either way.
		listener, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: name, Listener: listener})
	}
	return sockets, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
