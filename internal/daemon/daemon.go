// Package daemon manages the PID and state files of a running crashlogd
// and signals it from the command line.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrNotRunning     = errors.New("daemon: not running")
	ErrAlreadyRunning = errors.New("daemon: already running")
)

// State is the persistent description of a running daemon.
type State struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
	Build      string    `json:"build,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	Socket     string    `json:"socket,omitempty"`
}

// Manager handles daemon lifecycle files in one directory.
type Manager struct {
	dir       string
	pidFile   string
	stateFile string
}

// NewManager returns a Manager for stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{
		dir:       stateDir,
		pidFile:   filepath.Join(stateDir, "crashlogd.pid"),
		stateFile: filepath.Join(stateDir, "crashlogd.state"),
	}
}

// PIDFile returns the PID file path.
func (m *Manager) PIDFile() string { return m.pidFile }

// IsRunning reports whether the PID file names a live process.
func (m *Manager) IsRunning() bool {
	pid, err := m.ReadPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// ReadPID reads the daemon's PID from the PID file.
func (m *Manager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", m.pidFile, data)
	}
	return pid, nil
}

// Acquire writes the current PID, replacing a stale file. It fails when
// another live process owns the file.
func (m *Manager) Acquire() error {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return writeFileAtomic(m.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// WriteState writes the daemon state.
func (m *Manager) WriteState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeFileAtomic(m.stateFile, data, 0o644)
}

// ReadState reads the daemon state.
func (m *Manager) ReadState() (*State, error) {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// SignalStop sends SIGTERM to the daemon.
func (m *Manager) SignalStop() error {
	return m.signal(unix.SIGTERM)
}

func (m *Manager) signal(sig unix.Signal) error {
	pid, err := m.ReadPID()
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotRunning
	}
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// WaitForStop polls until the daemon has exited.
func (m *Manager) WaitForStop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %v", timeout)
}

// Cleanup removes the PID and state files if they belong to this process.
func (m *Manager) Cleanup() {
	if pid, err := m.ReadPID(); err == nil && pid != os.Getpid() {
		return
	}
	os.Remove(m.pidFile)
	os.Remove(m.stateFile)
}

// Status describes the daemon for display.
type Status struct {
	Running bool
	PID     int
	Uptime  time.Duration
	State   *State
}

// Status returns the current daemon status.
func (m *Manager) Status() Status {
	var st Status
	if pid, err := m.ReadPID(); err == nil && processAlive(pid) {
		st.Running = true
		st.PID = pid
	}
	if state, err := m.ReadState(); err == nil {
		st.State = state
		if st.Running {
			st.Uptime = time.Since(state.StartedAt)
		}
	}
	return st
}

// processAlive probes pid with signal 0. EPERM means the process exists
// under another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
