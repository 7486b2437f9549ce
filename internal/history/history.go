// Package history maintains the bounded crash history ledger.
//
// The ledger is a text file: a version line carrying the current uptime, a
// column header comment, then at most MaxRecords event lines ordered oldest
// first. An in-memory circular buffer mirrors the body. Below capacity each
// append writes one line; once the buffer is full the oldest line is evicted
// and the whole file is rewritten through a temporary file.
package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crashlogd/internal/metrics"
	"crashlogd/internal/sysinfo"
)

const (
	// DefaultMaxRecords is the retained event line count.
	DefaultMaxRecords = 5000

	// TimeLayout formats the DATE column.
	TimeLayout = "2006-01-02/15:04:05"

	versionTag  = "#V1.0 "
	uptimeTag   = "CURRENTUPTIME"
	columnsLine = "#EVENT  ID                    DATE                 TYPE"
	headerLines = 2

	zeroUptime = "0000:00:00"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("history: log is closed")

// WriteError reports a failed append or rewrite of the ledger.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("history: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Entry is one recorded event.
type Entry struct {
	Name   string
	Type   string
	Path   string
	Uptime string
	Key    string
	Time   time.Time
	// Data carries the free-form fields of informational records.
	Data []string
}

// Line renders the entry in the ledger's column layout. Control characters
// in any field are replaced with '?' so an entry is always one line.
func (e Entry) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s%-22s%-20s%s", printable(e.Name), printable(e.Key), e.Time.Format(TimeLayout), printable(e.Type))
	if e.Path != "" {
		b.WriteByte(' ')
		b.WriteString(printable(e.Path))
	}
	if e.Uptime != "" {
		b.WriteByte(' ')
		b.WriteString(printable(e.Uptime))
	}
	for _, d := range e.Data {
		b.WriteByte(' ')
		b.WriteString(printable(d))
	}
	return b.String()
}

func printable(s string) string {
	if !strings.ContainsFunc(s, isControl) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isControl(r) {
			return '?'
		}
		return r
	}, s)
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// Sink receives every entry after it has been written.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Send(ctx context.Context, e Entry) error { return f(ctx, e) }

// Config configures a Log.
type Config struct {
	Path       string
	MaxRecords int
	Uptime     sysinfo.UptimeFunc
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Log is the history ledger. It is safe for concurrent use; the main loop
// and the heartbeat worker share one instance.
type Log struct {
	path    string
	max     int
	uptimeF sysinfo.UptimeFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	buf    []string
	next   int
	loaded bool
	uptime string
	closed bool

	sinkMu sync.RWMutex
	sinks  []Sink
}

// New returns a Log for cfg.Path. The file is created on first use.
func New(cfg Config) *Log {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.Uptime == nil {
		cfg.Uptime = sysinfo.Uptime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Log{
		path:    cfg.Path,
		max:     cfg.MaxRecords,
		uptimeF: cfg.Uptime,
		logger:  cfg.Logger.With("component", "history"),
		metrics: cfg.Metrics,
		buf:     make([]string, cfg.MaxRecords),
	}
}

// Path returns the ledger file path.
func (l *Log) Path() string { return l.path }

// MaxRecords returns the retained line count.
func (l *Log) MaxRecords() int { return l.max }

// AddSink registers s to receive future entries.
func (l *Log) AddSink(s Sink) {
	l.sinkMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinkMu.Unlock()
}

// Append records e. A zero Time is replaced with the current time.
func (l *Log) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	line := e.Line()

	l.mu.Lock()
	err := l.appendLocked(line)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.metrics.RecordEvent(e.Name)
	l.notify(e)
	return nil
}

func (l *Log) appendLocked(line string) error {
	if l.closed {
		return ErrClosed
	}
	if err := l.ensureLoaded(); err != nil {
		return err
	}

	full := l.buf[l.next] != ""
	l.buf[l.next] = line
	l.next = (l.next + 1) % l.max

	var err error
	if full {
		err = l.rewrite()
	} else {
		err = l.appendLine(line)
	}
	l.metrics.RecordHistoryWrite(full, l.count(), err)
	return err
}

func (l *Log) notify(e Entry) {
	l.sinkMu.RLock()
	sinks := l.sinks
	l.sinkMu.RUnlock()

	for _, s := range sinks {
		if err := s.Send(context.Background(), e); err != nil {
			l.logger.Warn("history sink failed", "event", e.Name, "key", e.Key, "error", err)
		}
	}
}

// HasEvent reports whether a retained line contains substr.
func (l *Log) HasEvent(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(); err != nil {
		l.logger.Warn("history load failed", "error", err)
		return false
	}
	for _, line := range l.buf {
		if line != "" && strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// Entries returns the retained lines, oldest first.
func (l *Log) Entries() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}
	return l.ordered(), nil
}

// Reset truncates the ledger to its header and clears the cache.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	clear(l.buf)
	l.next = 0
	l.loaded = false
	if err := l.writeFile(nil); err != nil {
		return err
	}
	l.loaded = true
	l.logger.Info("history reset", "path", l.path)
	return nil
}

// UpdateUptime rewrites the uptime field of the version line in place.
func (l *Log) UpdateUptime() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.ensureLoaded(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY, 0)
	if err != nil {
		return &WriteError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte(l.versionLine()), 0); err != nil {
		return &WriteError{Op: "update uptime", Path: l.path, Err: err}
	}
	return nil
}

// Close stops further writes.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// ensureLoaded rebuilds the cache on first use and whenever the file
// vanished or lost its version line, e.g. after an external truncation.
func (l *Log) ensureLoaded() error {
	if l.loaded {
		if l.headed() {
			return nil
		}
		l.logger.Info("history file missing or truncated, resyncing", "path", l.path)
	}

	clear(l.buf)
	l.next = 0
	l.loaded = false

	lines, headed, err := l.readBody()
	if errors.Is(err, fs.ErrNotExist) {
		if err := l.writeFile(nil); err != nil {
			return err
		}
		l.loaded = true
		return nil
	}
	if err != nil {
		return &WriteError{Op: "read", Path: l.path, Err: err}
	}

	trimmed := len(lines) > l.max
	if trimmed {
		lines = lines[len(lines)-l.max:]
	}
	n := copy(l.buf, lines)
	l.next = n % l.max
	l.loaded = true

	if trimmed || !headed {
		return l.rewrite()
	}
	return nil
}

// headed reports whether the file exists and starts with the version line.
func (l *Log) headed() bool {
	f, err := os.Open(l.path)
	if err != nil {
		return false
	}
	defer f.Close()
	tag := make([]byte, len(versionTag))
	if _, err := io.ReadFull(f, tag); err != nil {
		return false
	}
	return string(tag) == versionTag
}

// readBody returns the event lines and whether the header was present.
// Only leading comment lines count as header, so event lines written to a
// file that lost its header are kept.
func (l *Log) readBody() ([]string, bool, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	var (
		lines  []string
		headed bool
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for n := 0; sc.Scan(); n++ {
		text := sc.Text()
		if n == 0 && strings.HasPrefix(text, versionTag) {
			headed = true
			continue
		}
		if n < headerLines && strings.HasPrefix(text, "#") {
			continue
		}
		if text == "" {
			continue
		}
		lines = append(lines, text)
	}
	return lines, headed, sc.Err()
}

func (l *Log) appendLine(line string) error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &WriteError{Op: "append", Path: l.path, Err: err}
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return &WriteError{Op: "append", Path: l.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Op: "append", Path: l.path, Err: err}
	}
	return nil
}

func (l *Log) rewrite() error {
	return l.writeFile(l.ordered())
}

// writeFile replaces the ledger with header plus body via a temp file so a
// failed write leaves the previous content intact.
func (l *Log) writeFile(body []string) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp*")
	if err != nil {
		return &WriteError{Op: "rewrite", Path: l.path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &WriteError{Op: "rewrite", Path: l.path, Err: err}
	}

	w := bufio.NewWriter(tmp)
	w.WriteString(l.versionLine())
	w.WriteByte('\n')
	w.WriteString(columnsLine)
	w.WriteByte('\n')
	for _, line := range body {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &WriteError{Op: "rewrite", Path: l.path, Err: err}
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return &WriteError{Op: "rewrite", Path: l.path, Err: err}
	}
	return nil
}

// versionLine computes a fresh uptime, falling back to the last good value.
func (l *Log) versionLine() string {
	if d, err := l.uptimeF(); err == nil {
		l.uptime = sysinfo.FormatUptime(d)
	} else if l.uptime == "" {
		l.uptime = zeroUptime
	}
	return fmt.Sprintf("%s%-16s%-24s", versionTag, uptimeTag, l.uptime)
}

// ordered returns the buffer from the cursor (oldest) around to the newest.
func (l *Log) ordered() []string {
	out := make([]string, 0, l.max)
	for i := 0; i < l.max; i++ {
		if line := l.buf[(l.next+i)%l.max]; line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (l *Log) count() int {
	n := 0
	for _, line := range l.buf {
		if line != "" {
			n++
		}
	}
	return n
}
