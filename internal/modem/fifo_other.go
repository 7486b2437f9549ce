//go:build !linux

package modem

import "errors"

var ErrUnsupported = errors.New("modem: fifo not supported on this platform")

// FIFO is unavailable off Linux.
type FIFO struct{}

func OpenFIFO(path string) (*FIFO, error) { return nil, ErrUnsupported }

func (f *FIFO) FD() int { return -1 }

func (f *FIFO) Read(p []byte) (int, error) { return 0, ErrUnsupported }

func (f *FIFO) Close() error { return nil }
