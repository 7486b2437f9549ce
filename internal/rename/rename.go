// Package rename recognises the rename pairs produced when an external log
// rotation service moves a file out of a watched directory and back in
// under a new name, so the same file is not recorded twice.
package rename

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"crashlogd/internal/inotify"
	"crashlogd/internal/metrics"
)

// Result is the outcome of filtering one event.
type Result int

const (
	NotDuplicate Result = iota
	Handled
)

func (r Result) String() string {
	if r == Handled {
		return "handled"
	}
	return "not-duplicate"
}

const (
	// InfoType is the type of the record emitted for a matched pair.
	InfoType = "DUPLICATE"
	// ExtractionFailed stands in for an unparseable timestamp.
	ExtractionFailed = "extraction_failed"

	timeLayout = "2006-01-02/15:04:05"
)

// InfoRecorder writes informational history records.
type InfoRecorder interface {
	RecordInfo(typ string, data ...string) error
}

// PathLookup maps a watch descriptor to its directory.
type PathLookup interface {
	Path(wd int) (string, bool)
}

// epochPattern matches the millisecond epoch embedded as "@<millis>".
var epochPattern = regexp.MustCompile(`@(\d{10,16})`)

// Filter holds at most one pending moved-out record.
type Filter struct {
	recorder InfoRecorder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	loc      *time.Location

	dir   string
	paths PathLookup

	mu      sync.Mutex
	pending bool
	name    string
	cookie  uint32
}

// New returns an idle filter that reports pairs to rec.
func New(rec InfoRecorder, logger *slog.Logger, m *metrics.Metrics) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		recorder: rec,
		logger:   logger.With("component", "rename"),
		metrics:  m,
		loc:      time.Local,
	}
}

// Bind limits the filter to events from dir. Events whose descriptor
// paths does not map to dir are never duplicates.
func (f *Filter) Bind(dir string, paths PathLookup) {
	f.mu.Lock()
	f.dir = filepath.Clean(dir)
	f.paths = paths
	f.mu.Unlock()
}

func (f *Filter) inScope(wd int32) bool {
	if f.paths == nil {
		return true
	}
	p, ok := f.paths.Path(int(wd))
	return ok && filepath.Clean(p) == f.dir
}

// Filter advances the state machine with ev.
func (f *Filter) Filter(ev inotify.Event) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Mask&(inotify.MaskMovedFrom|inotify.MaskMovedTo) == 0 || !f.inScope(ev.WD) {
		return NotDuplicate
	}

	switch {
	case ev.Mask&inotify.MaskMovedFrom != 0 && !f.pending:
		f.pending = true
		f.name = ev.Name
		f.cookie = ev.Cookie
		return Handled

	case ev.Mask&inotify.MaskMovedTo != 0 && f.pending && ev.Cookie == f.cookie && ev.Name != "":
		old := f.name
		f.pending = false
		f.name = ""
		f.cookie = 0

		f.metrics.RecordDuplicate()
		ts := f.extractTime(old)
		if err := f.recorder.RecordInfo(InfoType, old, ev.Name, ts); err != nil {
			f.logger.Warn("record duplicate", "old", old, "new", ev.Name, "error", err)
		}
		return Handled
	}
	return NotDuplicate
}

// Intercept reports whether ev was consumed by the filter.
func (f *Filter) Intercept(ev inotify.Event) bool {
	return f.Filter(ev) == Handled
}

// Pending returns the captured name and cookie, if any.
func (f *Filter) Pending() (string, uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.cookie, f.pending
}

func (f *Filter) extractTime(name string) string {
	m := epochPattern.FindStringSubmatch(name)
	if m == nil {
		return ExtractionFailed
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ExtractionFailed
	}
	return time.UnixMilli(ms).In(f.loc).Format(timeLayout)
}
