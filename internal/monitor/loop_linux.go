//go:build linux

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"crashlogd/internal/metrics"
)

const readyMask = unix.POLLIN | unix.POLLPRI | unix.POLLERR | unix.POLLHUP

// Loop polls every source plus an internal wake pipe with no timeout.
type Loop struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	wakeR   int
	wakeW   int

	mu      sync.Mutex
	sources []source
	running bool
	closed  bool
}

// New returns an empty loop.
func New(cfg Config) (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("monitor: wake pipe: %w", err)
	}
	return &Loop{
		logger:  cfg.logger(),
		metrics: cfg.Metrics,
		wakeR:   p[0],
		wakeW:   p[1],
	}, nil
}

// Add registers a source polled on fd.
func (l *Loop) Add(name string, fd int, p Pumper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, source{name: name, fd: fd, p: p})
}

// Wake interrupts a blocked poll.
func (l *Loop) Wake() {
	_, err := unix.Write(l.wakeW, []byte{1})
	if err != nil && err != unix.EAGAIN {
		l.logger.Warn("wake", "error", err)
	}
}

// Run polls until ctx is cancelled. A pump in progress always completes
// before Run returns. Pump errors are logged and counted; a descriptor that
// reports POLLNVAL is dropped from the set.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	sources := append([]source(nil), l.sources...)
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, l.Wake)
	defer stop()

	fds := make([]unix.PollFd, len(sources)+1)
	fds[0] = unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN}
	for i, s := range sources {
		fds[i+1] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
	}

	l.logger.Info("event loop started", "sources", len(sources))
	for {
		if ctx.Err() != nil {
			l.logger.Info("event loop stopped")
			return nil
		}
		for i := range fds {
			fds[i].Revents = 0
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("monitor: poll: %w", err)
		}

		if fds[0].Revents != 0 {
			l.drainWake()
		}
		for i, s := range sources {
			fd := &fds[i+1]
			if fd.Revents&unix.POLLNVAL != 0 {
				l.logger.Error("descriptor closed, dropping source", "source", s.name, "fd", s.fd)
				fd.Fd = -1
				continue
			}
			if fd.Revents&readyMask == 0 {
				continue
			}
			l.pump(ctx, s)
		}
	}
}

func (l *Loop) pump(ctx context.Context, s source) {
	start := time.Now()
	err := s.p.Pump(ctx)
	l.metrics.ObservePump(s.name, time.Since(start), err)
	if err != nil {
		l.logger.Error("pump failed", "source", s.name, "error", err)
	}
}

func (l *Loop) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(l.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the wake pipe.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	unix.Close(l.wakeW)
	return unix.Close(l.wakeR)
}
