package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"

	"crashlogd/internal/collector"
	"crashlogd/internal/history"
	"crashlogd/internal/slot"
)

// ErrWouldBlock is returned by a non-blocking source with nothing to read.
var ErrWouldBlock = errors.New("modem: would block")

// Recorder records translated events.
type Recorder interface {
	Record(ctx context.Context, r collector.Record) (history.Entry, error)
}

type translation struct {
	event string
	// core marks messages whose data names a core file to keep.
	core bool
}

var translations = map[string]translation{
	"MPANIC":        {collector.EventCrash, true},
	"MEMERG":        {collector.EventCrash, true},
	"MRESET":        {collector.EventCrash, false},
	"MSHUTDOWN":     {collector.EventCrash, false},
	"MOUTOFSERVICE": {collector.EventCrash, false},
	"APIMR":         {collector.EventInfo, false},
}

// Config configures a Channel.
type Config struct {
	Recorder Recorder
	Logger   *slog.Logger
}

// Channel decodes messages from a byte stream. Partial messages are kept
// until the rest arrives.
type Channel struct {
	src     io.Reader
	fd      int
	rec     Recorder
	logger  *slog.Logger
	buf     []byte
	pending []byte
}

// New returns a Channel reading src; fd is what the event loop polls.
func New(src io.Reader, fd int, cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		src:    src,
		fd:     fd,
		rec:    cfg.Recorder,
		logger: cfg.Logger.With("component", "modem"),
		buf:    make([]byte, 8*MessageSize),
	}
}

// FD returns the polled descriptor.
func (c *Channel) FD() int { return c.fd }

// Pump performs one read and records every complete message it finishes.
func (c *Channel) Pump(ctx context.Context) error {
	n, err := c.src.Read(c.buf)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return nil
	case errors.Is(err, io.EOF) && n == 0:
		return nil
	case err != nil && !errors.Is(err, io.EOF):
		return fmt.Errorf("modem: read: %w", err)
	}
	c.pending = append(c.pending, c.buf[:n]...)

	var errs []error
	for len(c.pending) >= MessageSize {
		msg, _ := Decode(c.pending)
		c.pending = c.pending[MessageSize:]
		if err := c.handle(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return errors.Join(errs...)
}

// Buffered returns the number of bytes of an incomplete message.
func (c *Channel) Buffered() int { return len(c.pending) }

func (c *Channel) handle(ctx context.Context, msg Message) error {
	c.logger.Debug("message", "type", msg.Type, "value", msg.Value, "data", msg.Data)
	_, err := c.rec.Record(ctx, Translate(msg))
	return err
}

// Translate maps msg to a record. Unknown types become informational
// records carrying the raw fields.
func Translate(msg Message) collector.Record {
	t, ok := translations[msg.Type]
	if !ok {
		typ := msg.Type
		if typ == "" {
			typ = "UNKNOWN"
		}
		rec := collector.Record{Name: collector.EventInfo, Type: typ}
		rec.Data = append(rec.Data, "value="+strconv.Itoa(int(msg.Value)))
		if msg.Data != "" {
			rec.Data = append(rec.Data, msg.Data)
		}
		return rec
	}

	rec := collector.Record{Name: t.event, Type: msg.Type}
	switch {
	case t.core && filepath.IsAbs(msg.Data):
		rec.Kind = slot.KindCrash
		rec.Files = []string{msg.Data}
	case msg.Data != "":
		rec.Data = append(rec.Data, msg.Data)
	}
	if msg.Value != 0 {
		rec.Data = append(rec.Data, "value="+strconv.Itoa(int(msg.Value)))
	}
	return rec
}
