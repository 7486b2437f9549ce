package netlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crashlogd/internal/collector"
	"crashlogd/internal/history"
	"crashlogd/internal/metrics"
)

// ErrWouldBlock is returned by Conn.Recv when no datagram is queued.
var ErrWouldBlock = errors.New("netlink: would block")

// DefaultProtocol is the crash-tool netlink family.
const DefaultProtocol = 27

// maxDatagrams bounds the datagrams handled per Pump so one busy source
// cannot starve the others.
const maxDatagrams = 64

// Conn is a non-blocking datagram source.
type Conn interface {
	Recv(p []byte) (int, error)
	FD() int
}

// Recorder records translated events.
type Recorder interface {
	Record(ctx context.Context, r collector.Record) (history.Entry, error)
}

// Config configures a Listener.
type Config struct {
	Recorder Recorder
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Listener turns crash-tool datagrams into records.
type Listener struct {
	conn    Conn
	rec     Recorder
	logger  *slog.Logger
	metrics *metrics.Metrics
	buf     []byte
}

// NewListener returns a Listener reading conn.
func NewListener(conn Conn, cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{
		conn:    conn,
		rec:     cfg.Recorder,
		logger:  cfg.Logger.With("component", "netlink"),
		metrics: cfg.Metrics,
		buf:     make([]byte, 64<<10),
	}
}

// FD returns the polled descriptor.
func (l *Listener) FD() int { return l.conn.FD() }

// Pump drains queued datagrams. Malformed messages are logged and skipped.
func (l *Listener) Pump(ctx context.Context) error {
	var errs []error
	for i := 0; i < maxDatagrams; i++ {
		n, err := l.conn.Recv(l.buf)
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("netlink: recv: %w", err))
			break
		}
		if err := l.datagram(ctx, l.buf[:n]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Listener) datagram(ctx context.Context, b []byte) error {
	msgs, err := ParseMessages(b)
	if err != nil {
		l.metrics.RecordStreamError("netlink_length")
		l.logger.Warn("malformed datagram", "bytes", len(b), "error", err)
	}

	var errs []error
	for _, m := range msgs {
		if m.Type != msgEvent {
			continue
		}
		ev, err := DecodeEvent(m.Payload)
		if err != nil {
			l.metrics.RecordStreamError("netlink_event")
			l.logger.Warn("malformed event", "error", err)
			continue
		}
		l.logger.Debug("event", "type", ev.Type, "name", ev.Name, "submitter", ev.Submitter,
			"attachments", ev.AttachmentSize)
		if _, err := l.rec.Record(ctx, ev.Record()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
