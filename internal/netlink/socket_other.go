//go:build !linux

package netlink

import "errors"

var ErrUnsupported = errors.New("netlink: not supported on this platform")

// Socket is unavailable off Linux.
type Socket struct{}

func Dial(protocol int) (*Socket, error) { return nil, ErrUnsupported }

func (s *Socket) FD() int { return -1 }

func (s *Socket) PID() uint32 { return 0 }

func (s *Socket) Recv(p []byte) (int, error) { return 0, ErrUnsupported }

func (s *Socket) Close() error { return nil }
