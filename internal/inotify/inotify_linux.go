//go:build linux

package inotify

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Instance is a kernel inotify instance. Its descriptor is blocking so
// catch-up reads wait for the rest of a record; callers poll FD before
// pumping.
type Instance struct {
	fd int

	mu     sync.Mutex
	closed bool
}

// Open creates an inotify instance.
func Open() (*Instance, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	return &Instance{fd: fd}, nil
}

// FD returns the descriptor for readiness polling.
func (in *Instance) FD() int { return in.fd }

// AddWatch watches path for mask and returns the watch descriptor.
func (in *Instance) AddWatch(path string, mask uint32) (int, error) {
	wd, err := unix.InotifyAddWatch(in.fd, path, mask)
	if err != nil {
		return -1, fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	return wd, nil
}

// RemoveWatch drops a watch descriptor.
func (in *Instance) RemoveWatch(wd int) error {
	if _, err := unix.InotifyRmWatch(in.fd, uint32(wd)); err != nil {
		return fmt.Errorf("inotify_rm_watch %d: %w", wd, err)
	}
	return nil
}

// Read reads raw records, retrying on EINTR.
func (in *Instance) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(in.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Close releases the descriptor.
func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	return unix.Close(in.fd)
}
