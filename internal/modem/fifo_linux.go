//go:build linux

package modem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FIFO is the non-blocking read end of the modem manager's pipe.
type FIFO struct {
	fd   int
	path string

	mu     sync.Mutex
	closed bool
}

// OpenFIFO creates the pipe at path when missing and opens it. The pipe is
// opened read-write so it never reports end of file between writers.
func OpenFIFO(path string) (*FIFO, error) {
	if err := unix.Mkfifo(path, 0o620); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("modem: mkfifo %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("modem: %w", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		return nil, fmt.Errorf("modem: %s is not a fifo", path)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", path, err)
	}
	return &FIFO{fd: fd, path: path}, nil
}

// FD returns the descriptor for readiness polling.
func (f *FIFO) FD() int { return f.fd }

// Read implements io.Reader. An empty pipe yields ErrWouldBlock.
func (f *FIFO) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Close releases the descriptor.
func (f *FIFO) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return unix.Close(f.fd)
}
