//go:build linux

package netlink

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Socket is a non-blocking netlink socket registered with the crash-tool
// module.
type Socket struct {
	fd  int
	pid uint32

	mu     sync.Mutex
	closed bool
}

// Dial opens a socket on protocol and announces this process to the
// kernel so events are unicast to it.
func Dial(protocol int) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return nil, fmt.Errorf("netlink: socket: %w", err)
	}
	s := &Socket{fd: fd}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		s.Close()
		return nil, fmt.Errorf("netlink: bind: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("netlink: getsockname: %w", err)
	}
	if nl, ok := sa.(*unix.SockaddrNetlink); ok {
		s.pid = nl.Pid
	}

	hello := EncodeMessage(Message{Type: msgSetPID, PID: s.pid})
	if err := unix.Sendto(fd, hello, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		s.Close()
		return nil, fmt.Errorf("netlink: register pid: %w", err)
	}
	return s, nil
}

// FD returns the descriptor for readiness polling.
func (s *Socket) FD() int { return s.fd }

// PID returns the port id the kernel assigned.
func (s *Socket) PID() uint32 { return s.pid }

// Recv reads one datagram.
func (s *Socket) Recv(p []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(s.fd, p, 0)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// Close releases the descriptor.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
