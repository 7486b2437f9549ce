//go:build !linux

package monitor

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("monitor: not supported on this platform")

// Loop is unavailable off Linux.
type Loop struct{}

func New(cfg Config) (*Loop, error) { return nil, ErrUnsupported }

func (l *Loop) Add(name string, fd int, p Pumper) {}

func (l *Loop) Wake() {}

func (l *Loop) Run(ctx context.Context) error { return ErrUnsupported }

func (l *Loop) Close() error { return nil }
