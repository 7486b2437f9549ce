// Package monitor runs the single-threaded event loop: it waits for any
// source descriptor to become readable and pumps the ready ones in turn.
package monitor

import (
	"context"
	"errors"
	"log/slog"

	"crashlogd/internal/metrics"
)

// ErrRunning is returned by a second concurrent Run.
var ErrRunning = errors.New("monitor: loop already running")

// Pumper drains whatever its descriptor has ready.
type Pumper interface {
	Pump(ctx context.Context) error
}

// PumpFunc adapts a function to Pumper.
type PumpFunc func(ctx context.Context) error

func (f PumpFunc) Pump(ctx context.Context) error { return f(ctx) }

type source struct {
	name string
	fd   int
	p    Pumper
}

// Config configures a Loop.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default().With("component", "monitor")
	}
	return c.Logger.With("component", "monitor")
}
