// Package watcher holds the static watch table that maps kernel watch
// descriptors and file names onto event handlers.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"crashlogd/internal/inotify"
)

var (
	ErrFrozen       = errors.New("watcher: table is frozen")
	ErrUnknownWatch = errors.New("watcher: unknown watch descriptor")
)

// EventType identifies the class of event an entry produces.
type EventType int

// Handler processes one event resolved to e.
type Handler func(ctx context.Context, e *Entry, ev inotify.Event) error

// Entry is one row of the watch table.
type Entry struct {
	// WD is assigned at registration; -1 until then or when the watch
	// could not be added.
	WD   int
	Mask uint32
	Type EventType
	Name string
	// Dir is the watched path. For file targets it is the file itself.
	Dir string
	// Pattern, when set, must be a substring of the event's file name.
	Pattern string
	// File marks the watched object as a file rather than a directory.
	File    bool
	Handler Handler
}

// Notifier adds kernel watches.
type Notifier interface {
	AddWatch(path string, mask uint32) (int, error)
}

// Registry is the watch table. Entries are added before Register; after
// that only watch descriptors change.
type Registry struct {
	logger  *slog.Logger
	dirMode os.FileMode

	mu       sync.RWMutex
	entries  []*Entry
	frozen   bool
	notifier Notifier
}

// NewRegistry returns an empty table.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "watcher"),
		dirMode: 0o755,
	}
}

// Add appends entries to the table in order.
func (r *Registry) Add(entries ...Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	for i := range entries {
		e := entries[i]
		if e.Dir == "" {
			return fmt.Errorf("watcher: entry %q has no path", e.Name)
		}
		e.WD = -1
		r.entries = append(r.entries, &e)
	}
	return nil
}

// Freeze rejects further Add calls.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Register freezes the table and adds one kernel watch per distinct path
// with the union of the masks declared for it. Paths that cannot be
// watched are reported together; the remaining ones stay registered.
func (r *Registry) Register(n Notifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
	r.notifier = n

	var errs []error
	for _, dir := range r.dirsLocked() {
		wd, err := r.watchLocked(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("watch added", "path", dir, "wd", wd)
	}
	return errors.Join(errs...)
}

// dirsLocked returns the distinct watched paths in table order.
func (r *Registry) dirsLocked() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, e := range r.entries {
		if !seen[e.Dir] {
			seen[e.Dir] = true
			dirs = append(dirs, e.Dir)
		}
	}
	return dirs
}

// watchLocked adds a watch for dir and binds every entry on dir to it.
func (r *Registry) watchLocked(dir string) (int, error) {
	var mask uint32
	for _, e := range r.entries {
		if e.Dir == dir {
			mask |= e.Mask
		}
	}

	wd, err := r.notifier.AddWatch(dir, mask)
	if err != nil {
		wd = -1
	}
	for _, e := range r.entries {
		if e.Dir == dir {
			e.WD = wd
		}
	}
	return wd, err
}

// Resolve returns the first entry bound to wd whose pattern matches name.
func (r *Registry) Resolve(wd int, name string) (*Entry, bool) {
	e, _ := r.resolve(wd, name, 0)
	return e, e != nil
}

// resolve scans in table order. A non-zero mask additionally requires the
// entry to subscribe to one of its bits; known reports whether any entry
// matched wd and name regardless of mask.
func (r *Registry) resolve(wd int, name string, mask uint32) (match *Entry, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if wd < 0 {
		return nil, false
	}
	for _, e := range r.entries {
		if e.WD != wd {
			continue
		}
		if e.Pattern != "" && !strings.Contains(name, e.Pattern) {
			continue
		}
		known = true
		if mask == 0 || e.Mask&mask != 0 {
			return e, true
		}
	}
	return nil, known
}

// Dispatch resolves ev and runs the matching entry's handler. Events on a
// known path that no entry subscribes to count as resolved.
func (r *Registry) Dispatch(ctx context.Context, ev inotify.Event) (bool, error) {
	e, known := r.resolve(int(ev.WD), ev.Name, ev.Mask&^inotify.MaskIsDir)
	if e == nil || e.Handler == nil {
		return known, nil
	}
	if err := e.Handler(ctx, e, ev); err != nil {
		return true, fmt.Errorf("%s handler: %w", e.Name, err)
	}
	return true, nil
}

// OnSelfEvent recreates the object behind wd and rebinds every entry that
// shared the old descriptor to the new one.
func (r *Registry) OnSelfEvent(wd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *Entry
	for _, e := range r.entries {
		if e.WD == wd && wd >= 0 {
			target = e
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %d", ErrUnknownWatch, wd)
	}
	if r.notifier == nil {
		return fmt.Errorf("watcher: rewatch %s: not registered", target.Dir)
	}

	if err := r.recreate(target); err != nil {
		for _, e := range r.entries {
			if e.WD == wd {
				e.WD = -1
			}
		}
		return fmt.Errorf("watcher: recreate %s: %w", target.Dir, err)
	}

	newWD, err := r.watchLocked(target.Dir)
	if err != nil {
		return fmt.Errorf("watcher: rewatch %s: %w", target.Dir, err)
	}
	r.logger.Info("watch recreated", "path", target.Dir, "old_wd", wd, "wd", newWD)
	return nil
}

func (r *Registry) recreate(e *Entry) error {
	if !e.File {
		return os.MkdirAll(e.Dir, r.dirMode)
	}
	if err := os.MkdirAll(filepath.Dir(e.Dir), r.dirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(e.Dir, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Path returns the watched path bound to wd.
func (r *Registry) Path(wd int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if wd < 0 {
		return "", false
	}
	for _, e := range r.entries {
		if e.WD == wd {
			return e.Dir, true
		}
	}
	return "", false
}

// Entries returns a copy of the table.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
