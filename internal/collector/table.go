package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"crashlogd/internal/inotify"
	"crashlogd/internal/slot"
	"crashlogd/internal/watcher"
)

// Event types of the watch table.
const (
	TypeANR watcher.EventType = iota
	TypeJavaCrash
	TypeTombstone
	TypeSysServer
	TypeHprof
	TypeAPCore
	TypeWTF
	TypeAPLogs
	TypeStats
	TypeBZ
	TypeGeneric
)

var typeNames = map[watcher.EventType]string{
	TypeANR:       "ANR",
	TypeJavaCrash: "JAVACRASH",
	TypeTombstone: "TOMBSTONE",
	TypeSysServer: "SYSSERVER",
	TypeHprof:     "HPROF",
	TypeAPCore:    "APCORE",
	TypeWTF:       "WTF",
	TypeAPLogs:    "APLOGS",
	TypeStats:     "STATS",
	TypeBZ:        "BZ",
	TypeGeneric:   "GENERIC",
}

// TypeName returns the display name of t.
func TypeName(t watcher.EventType) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// Trigger file names dropped into the trigger directory.
const (
	APLogsTrigger = "aplogs_trigger"
	StatsTrigger  = "stats_trigger"
	BZTrigger     = "bz_trigger"
)

const (
	crashMask   = inotify.MaskCloseWrite | inotify.MaskMovedTo
	dropboxMask = crashMask | inotify.MaskMovedFrom
	// coreMask also subscribes to creations so that directories dropped by
	// the modem manager reach the reader's forwarder.
	coreMask    = crashMask | inotify.MaskCreate
	triggerMask = inotify.MaskCloseWrite | inotify.MaskMovedTo
)

// Dirs names the directories of the static table.
type Dirs struct {
	Dropbox   string
	Tombstone string
	Core      string
	Hprof     string
	Trigger   string
}

// Table returns the static watch table bound to c's handlers. Entries are
// matched in order, so the narrower dropbox patterns come first.
func (c *Collector) Table(d Dirs) []watcher.Entry {
	var entries []watcher.Entry
	add := func(dir string, mask uint32, t watcher.EventType, pattern string, h watcher.Handler) {
		if dir == "" {
			return
		}
		entries = append(entries, watcher.Entry{
			Mask:    mask,
			Type:    t,
			Name:    TypeName(t),
			Dir:     dir,
			Pattern: pattern,
			Handler: h,
		})
	}

	add(d.Dropbox, dropboxMask, TypeSysServer, "system_server_watchdog", c.HandleCrash)
	add(d.Dropbox, dropboxMask, TypeANR, "_anr", c.HandleCrash)
	add(d.Dropbox, dropboxMask, TypeWTF, "_wtf", c.HandleCrash)
	add(d.Dropbox, dropboxMask, TypeJavaCrash, "_crash", c.HandleCrash)
	add(d.Tombstone, crashMask, TypeTombstone, "tombstone_", c.HandleCrash)
	add(d.Hprof, crashMask, TypeHprof, ".hprof", c.HandleCrash)
	add(d.Core, coreMask, TypeAPCore, ".core", c.HandleCrash)
	add(d.Trigger, triggerMask, TypeAPLogs, APLogsTrigger, c.HandleTrigger)
	add(d.Trigger, triggerMask, TypeStats, StatsTrigger, c.HandleTrigger)
	add(d.Trigger, triggerMask, TypeBZ, BZTrigger, c.HandleTrigger)
	return entries
}

// eventPath is the file an event refers to.
func eventPath(e *watcher.Entry, ev inotify.Event) string {
	if e.File || ev.Name == "" {
		return e.Dir
	}
	return filepath.Join(e.Dir, ev.Name)
}

// HandleCrash records a crash file event and copies the file into a crash
// slot.
func (c *Collector) HandleCrash(ctx context.Context, e *watcher.Entry, ev inotify.Event) error {
	if ev.Mask&crashMask == 0 || ev.IsDir() {
		return nil
	}
	_, err := c.Record(ctx, Record{
		Name:  EventCrash,
		Type:  e.Name,
		Kind:  slot.KindCrash,
		Files: []string{eventPath(e, ev)},
	})
	return err
}

// HandleTrigger serves the log collection triggers. APLOGS and BZ copy the
// logs directory in the background; STATS copies the trigger file itself.
// The trigger file is removed afterwards so it can fire again.
func (c *Collector) HandleTrigger(ctx context.Context, e *watcher.Entry, ev inotify.Event) error {
	trigger := eventPath(e, ev)

	var rec Record
	switch e.Type {
	case TypeAPLogs:
		rec = Record{Name: EventAPLog, Type: e.Name, Kind: slot.KindAPLogs}
		if c.logsDir != "" {
			rec.Dirs = []string{c.logsDir}
		}
	case TypeBZ:
		rec = Record{Name: EventBZ, Type: e.Name, Kind: slot.KindBZ, Files: []string{trigger}}
		if c.logsDir != "" {
			rec.Dirs = []string{c.logsDir}
		}
	case TypeStats:
		rec = Record{Name: EventStats, Type: e.Name, Kind: slot.KindStats, Files: []string{trigger}}
	default:
		return errors.New("collector: not a trigger entry: " + e.Name)
	}

	_, err := c.Record(ctx, rec)
	if rmErr := os.Remove(trigger); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		c.logger.Warn("remove trigger", "path", trigger, "error", rmErr)
	}
	return err
}

// HandleGeneric records an event declared by the plugin configuration.
// The entry name becomes the record type.
func (c *Collector) HandleGeneric(ctx context.Context, e *watcher.Entry, ev inotify.Event) error {
	_, err := c.Record(ctx, Record{
		Name:  EventGeneric,
		Type:  e.Name,
		Kind:  slot.KindCrash,
		Files: []string{eventPath(e, ev)},
	})
	return err
}
