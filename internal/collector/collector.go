// Package collector turns resolved events into history records. Every
// producer (the watch table, the modem and netlink channels, the heartbeat)
// goes through Record: allocate a slot, copy evidence, derive the key,
// append to the history log.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crashlogd/internal/evidence"
	"crashlogd/internal/history"
	"crashlogd/internal/inotify"
	"crashlogd/internal/slot"
)

var (
	_ Copier = (*evidence.Copier)(nil)
	_ Ledger = (*history.Log)(nil)
)

// History event names.
const (
	EventCrash   = "CRASH"
	EventInfo    = "INFO"
	EventAPLog   = "APLOG"
	EventStats   = "STATS"
	EventBZ      = "BZ"
	EventUptime  = "UPTIME"
	EventReboot  = "REBOOT"
	EventError   = "ERROR"
	EventUpdate  = "SWUPDATE"
	EventGeneric = "GENERIC"
)

// Slots allocates evidence directories.
type Slots interface {
	Allocate(kind slot.Kind) (slot.Slot, error)
}

// Ledger is the subset of the history log the collector writes to.
type Ledger interface {
	Append(e history.Entry) error
	Reset() error
}

// Keyer derives event keys.
type Keyer interface {
	MakeKey(event, typ string) string
}

// Copier copies evidence.
type Copier interface {
	CopyFile(src, dstDir, name string) (string, error)
	CopyDirAsync(ctx context.Context, src, dst string, done func(n int64, err error)) error
}

// PathLookup maps a watch descriptor back to its directory.
type PathLookup interface {
	Path(wd int) (string, bool)
}

// Record describes one event to be recorded.
type Record struct {
	Name string
	Type string

	// Kind selects the storage root; empty records without a slot.
	Kind slot.Kind

	// Files are copied into the slot synchronously.
	Files []string
	// Dirs are copied into the slot in the background.
	Dirs []string

	Uptime string
	Data   []string
}

// Config wires a Collector.
type Config struct {
	Slots   Slots
	History Ledger
	Keys    Keyer
	Copier  Copier
	// Paths resolves the directory of forwarded events.
	Paths PathLookup
	// LogsDir is copied by the APLOGS and BZ triggers.
	LogsDir string

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Collector records events. It is safe for concurrent use.
type Collector struct {
	slots   Slots
	history Ledger
	keys    Keyer
	copier  Copier
	paths   PathLookup
	logsDir string
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Collector.
func New(cfg Config) (*Collector, error) {
	if cfg.History == nil || cfg.Keys == nil {
		return nil, errors.New("collector: history and key generator are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{
		slots:   cfg.Slots,
		history: cfg.History,
		keys:    cfg.Keys,
		copier:  cfg.Copier,
		paths:   cfg.Paths,
		logsDir: cfg.LogsDir,
		logger:  cfg.Logger.With("component", "collector"),
		now:     cfg.Now,
	}, nil
}

// Record allocates a slot when r.Kind is set, copies the evidence into
// it and appends the history entry. A slot failure is logged and the
// entry is written without a path. Only the history append can fail.
func (c *Collector) Record(ctx context.Context, r Record) (history.Entry, error) {
	e := history.Entry{
		Name:   r.Name,
		Type:   r.Type,
		Uptime: r.Uptime,
		Data:   r.Data,
	}

	if r.Kind != "" && c.slots != nil {
		s, err := c.slots.Allocate(r.Kind)
		if err != nil {
			c.logger.Warn("no evidence slot, recording without path",
				"event", r.Name, "type", r.Type, "root", r.Kind, "error", err)
		} else {
			e.Path = s.Dir
			c.copyEvidence(ctx, r, s.Dir)
		}
	}

	e.Key = c.keys.MakeKey(e.Name, e.Type)
	e.Time = c.now()
	if err := c.history.Append(e); err != nil {
		return e, fmt.Errorf("collector: record %s/%s: %w", e.Name, e.Type, err)
	}
	c.logger.Info("event recorded", "event", e.Name, "type", e.Type, "key", e.Key, "path", e.Path)
	return e, nil
}

func (c *Collector) copyEvidence(ctx context.Context, r Record, dst string) {
	if c.copier == nil {
		return
	}
	for _, src := range r.Files {
		if _, err := c.copier.CopyFile(src, dst, ""); err != nil {
			c.logger.Warn("evidence copy failed", "event", r.Name, "src", src, "error", err)
		}
	}
	for _, src := range r.Dirs {
		target := filepath.Join(dst, filepath.Base(src))
		if within(target, src) {
			c.logger.Warn("bulk copy target inside source", "event", r.Name, "src", src, "dst", target)
			continue
		}
		// Bulk copies outlive the event loop's context so shutdown drains them.
		err := c.copier.CopyDirAsync(context.WithoutCancel(ctx), src, target, nil)
		if err != nil {
			c.logger.Warn("bulk copy not started", "event", r.Name, "src", src, "error", err)
		}
	}
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RecordInfo writes an informational record.
func (c *Collector) RecordInfo(typ string, data ...string) error {
	_, err := c.Record(context.Background(), Record{Name: EventInfo, Type: typ, Data: data})
	return err
}

// ForwardDir records a crash for a directory created by an external
// producer inside a watched directory and copies it as evidence.
func (c *Collector) ForwardDir(ctx context.Context, ev inotify.Event) error {
	if c.paths == nil {
		return fmt.Errorf("collector: no path lookup for forwarded %s", ev.Name)
	}
	dir, ok := c.paths.Path(int(ev.WD))
	if !ok {
		return fmt.Errorf("collector: forwarded %s on unknown watch %d", ev.Name, ev.WD)
	}
	typ := forwardedType(ev.Name)
	_, err := c.Record(ctx, Record{
		Name: EventCrash,
		Type: typ,
		Kind: slot.KindCrash,
		Dirs: []string{filepath.Join(dir, ev.Name)},
	})
	return err
}

// forwardedType is the upper-cased name prefix up to the first separator.
func forwardedType(name string) string {
	if i := strings.IndexAny(name, "_-.@"); i > 0 {
		name = name[:i]
	}
	return strings.ToUpper(name)
}

// Boot records the start of the daemon. When the build fingerprint differs
// from the one saved at lastBuildPath the history is reset first and the
// boot is recorded as an update.
func (c *Collector) Boot(ctx context.Context, build, lastBuildPath, reason string) error {
	prev, err := os.ReadFile(lastBuildPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("read last build", "path", lastBuildPath, "error", err)
	}
	last := strings.TrimSpace(string(prev))

	if reason == "" {
		reason = "UNKNOWN"
	}
	rec := Record{Name: EventReboot, Type: reason}
	if last != "" && last != build {
		if err := c.history.Reset(); err != nil {
			c.logger.Warn("history reset after update", "error", err)
		}
		rec = Record{Name: EventUpdate, Type: "BUILD", Data: []string{build}}
	}

	if _, err := c.Record(ctx, rec); err != nil {
		return err
	}
	if last != build {
		if err := os.MkdirAll(filepath.Dir(lastBuildPath), 0o755); err != nil {
			return fmt.Errorf("collector: save build: %w", err)
		}
		if err := os.WriteFile(lastBuildPath, []byte(build+"\n"), 0o644); err != nil {
			return fmt.Errorf("collector: save build: %w", err)
		}
	}
	return nil
}
