package inotify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crashlogd/internal/metrics"
)

// DefaultBufferSize holds a comfortable burst of records per read.
const DefaultBufferSize = 16 * (HeaderSize + 256)

var (
	// ErrShortRead is wrapped by a FramingError when the descriptor ended
	// before a split record was completed.
	ErrShortRead     = errors.New("inotify: short read")
	// ErrCorruptRecord reports a record header with an impossible name length.
	ErrCorruptRecord = errors.New("inotify: corrupt record")
)

// FramingError reports a record that could not be completed.
type FramingError struct {
	// Have is the number of record bytes available before the failure.
	Have int
	// Want is the number of record bytes that were needed.
	Want int
	Err  error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("inotify: incomplete record (%d of %d bytes): %v", e.Have, e.Want, e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// CallbackError reports handler failures during one pump cycle. Each
// failure aborted only its own record.
type CallbackError struct {
	// Event is the first record whose handler failed.
	Event  Event
	Failed int
	Err    error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("inotify: %d handler(s) failed, first on %s: %v", e.Failed, e.Event, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Source is the raw record stream. Reads after a partial record must block
// until the rest of the record is available.
type Source interface {
	io.Reader
}

// Resolver maps records onto watch entries.
type Resolver interface {
	// OnSelfEvent refreshes every entry bound to a watch whose object was
	// deleted or moved.
	OnSelfEvent(wd int) error
	// Dispatch runs the handler of the entry matching ev. It reports false
	// when no entry matches.
	Dispatch(ctx context.Context, ev Event) (bool, error)
}

// Interceptor sees records before they are resolved and may consume them.
type Interceptor interface {
	Intercept(ev Event) bool
}

// DirForwarder receives unresolved directory events that carry the
// external naming prefix.
type DirForwarder interface {
	ForwardDir(ctx context.Context, ev Event) error
}

// Config configures a Reader.
type Config struct {
	BufferSize int
	Resolver   Resolver
	// Interceptor is optional.
	Interceptor Interceptor
	// Forwarder and ForwardPrefix are optional.
	Forwarder     DirForwarder
	ForwardPrefix string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Reader pumps records from a Source through a Resolver.
// It is driven from a single goroutine.
type Reader struct {
	src     Source
	buf     []byte
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	dropLimit  *rate.Limiter
	suppressed int
}

// NewReader returns a Reader over src.
func NewReader(src Source, cfg Config) *Reader {
	if cfg.BufferSize < HeaderSize {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reader{
		src:       src,
		buf:       make([]byte, cfg.BufferSize),
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "inotify"),
		metrics:   cfg.Metrics,
		dropLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Pump reads one chunk and dispatches every record in it, completing a
// trailing partial record with blocking reads.
func (r *Reader) Pump(ctx context.Context) error {
	n, err := r.src.Read(r.buf)
	if err != nil {
		r.metrics.RecordStreamError("read")
		return fmt.Errorf("inotify: read: %w", err)
	}
	chunk := r.buf[:n]

	var (
		failed   []error
		firstBad Event
	)
	for off := 0; off < len(chunk); {
		rec, next, err := r.record(chunk, off)
		if err != nil {
			r.metrics.RecordStreamError("framing")
			r.dump("framing", chunk, err)
			return err
		}
		off = next

		ev := decode(rec)
		r.metrics.RecordStreamRecord()
		if err := r.dispatch(ctx, ev); err != nil {
			if len(failed) == 0 {
				firstBad = ev
			}
			failed = append(failed, err)
		}
	}

	if len(failed) > 0 {
		cbErr := &CallbackError{Event: firstBad, Failed: len(failed), Err: errors.Join(failed...)}
		r.metrics.RecordStreamError("callback")
		r.dump("callback", chunk, cbErr)
		return cbErr
	}
	return nil
}

// record returns the record starting at off and the offset following it.
// A record running past the end of chunk is completed from the source.
func (r *Reader) record(chunk []byte, off int) ([]byte, int, error) {
	rem := chunk[off:]

	if len(rem) < HeaderSize {
		r.metrics.RecordReassembly("header")
		rec := make([]byte, HeaderSize)
		copy(rec, rem)
		if err := r.catchUp(rec[len(rem):], len(rem), HeaderSize); err != nil {
			return nil, 0, err
		}
		size, err := recordSize(rec)
		if err != nil {
			return nil, 0, &FramingError{Have: HeaderSize, Want: HeaderSize, Err: err}
		}
		if size > HeaderSize {
			rec = append(rec, make([]byte, size-HeaderSize)...)
			if err := r.catchUp(rec[HeaderSize:], HeaderSize, size); err != nil {
				return nil, 0, err
			}
		}
		return rec, len(chunk), nil
	}

	size, err := recordSize(rem)
	if err != nil {
		return nil, 0, &FramingError{Have: len(rem), Want: HeaderSize, Err: err}
	}
	if size <= len(rem) {
		return rem[:size], off + size, nil
	}

	r.metrics.RecordReassembly("name")
	rec := make([]byte, size)
	copy(rec, rem)
	if err := r.catchUp(rec[len(rem):], len(rem), size); err != nil {
		return nil, 0, err
	}
	return rec, len(chunk), nil
}

func (r *Reader) catchUp(dst []byte, have, want int) error {
	got, err := io.ReadFull(r.src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrShortRead
	}
	return &FramingError{Have: have + got, Want: want, Err: err}
}

func recordSize(hdr []byte) (int, error) {
	n := nameLen(hdr)
	if n > maxNameLen {
		return 0, fmt.Errorf("%w: name length %d", ErrCorruptRecord, n)
	}
	return HeaderSize + int(n), nil
}

func (r *Reader) dispatch(ctx context.Context, ev Event) error {
	switch {
	case ev.IsSelf():
		if err := r.cfg.Resolver.OnSelfEvent(int(ev.WD)); err != nil {
			r.logger.Warn("rewatch failed", "event", ev.String(), "error", err)
		}
		return nil
	case ev.Mask&MaskIgnored != 0:
		return nil
	case ev.Mask&MaskQOverflow != 0:
		r.logger.Warn("kernel event queue overflowed")
		return nil
	}

	if r.cfg.Interceptor != nil && r.cfg.Interceptor.Intercept(ev) {
		return nil
	}

	ok, err := r.cfg.Resolver.Dispatch(ctx, ev)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if ev.IsDir() && r.cfg.Forwarder != nil && r.cfg.ForwardPrefix != "" &&
		strings.HasPrefix(ev.Name, r.cfg.ForwardPrefix) {
		return r.cfg.Forwarder.ForwardDir(ctx, ev)
	}

	r.dropped(ev)
	return nil
}

func (r *Reader) dropped(ev Event) {
	if !r.dropLimit.Allow() {
		r.suppressed++
		return
	}
	r.logger.Warn("unresolved event dropped", "event", ev.String(), "suppressed", r.suppressed)
	r.suppressed = 0
}

func (r *Reader) dump(reason string, chunk []byte, err error) {
	r.logger.Error("event stream failure",
		"reason", reason,
		"error", err,
		"bytes", len(chunk),
		"dump", hex.Dump(chunk),
	)
}
