// Package slot allocates rotating numbered evidence directories under the
// crash, stats, aplogs and bz storage roots.
//
// Each root keeps a small control file holding the next index to hand out.
// The control file is advanced before the slot directory is wiped, so a
// crash between the two never hands the same slot out twice.
package slot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"crashlogd/internal/metrics"
	"crashlogd/internal/sysinfo"
)

// Kind names one storage root.
type Kind string

const (
	KindCrash  Kind = "crash"
	KindStats  Kind = "stats"
	KindAPLogs Kind = "aplogs"
	KindBZ     Kind = "bz"
)

// Kinds lists every root kind in a stable order.
var Kinds = []Kind{KindCrash, KindStats, KindAPLogs, KindBZ}

const (
	// DefaultMaxSlots is used when a root leaves MaxSlots unset.
	DefaultMaxSlots = 1000
	// MaxSlotsLimit bounds MaxSlots; the control file holds at most 4 digits.
	MaxSlotsLimit = 1000
)

var (
	// ErrInsufficientSpace is wrapped by a PathError when the medium is
	// below its free-space threshold.
	ErrInsufficientSpace = errors.New("slot: insufficient free space")
	// ErrUnknownRoot is wrapped by a PathError for an unconfigured kind.
	ErrUnknownRoot       = errors.New("slot: unknown storage root")
)

// PathError reports a failure to obtain or prepare a slot.
type PathError struct {
	Op   string
	Kind Kind
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("slot: %s %s %s: %v", e.Op, e.Kind, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Root describes one storage root.
type Root struct {
	Kind Kind
	// Dir is the root on the primary medium.
	Dir string
	// SecondaryDir is the root on removable media, empty when unused.
	SecondaryDir string
	// IndexFile holds the next index; it always lives on the primary medium.
	IndexFile string
	MaxSlots  int
}

// Slot is one allocated directory.
type Slot struct {
	Kind      Kind
	Index     int
	Dir       string
	Removable bool
}

// Config controls allocation policy.
type Config struct {
	Roots []Root

	UseSecondary            bool
	SecondaryMount          string
	PrimaryMinFreePercent   int
	SecondaryMinFreePercent int

	// UID and GID are applied to fresh slots on the primary medium; -1 skips.
	UID     int
	GID     int
	DirMode fs.FileMode

	Statfs  sysinfo.StatfsFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Allocator hands out slots. It is safe for concurrent use.
type Allocator struct {
	cfg    Config
	roots  map[Kind]Root
	logger *slog.Logger

	mu sync.Mutex
}

// NewAllocator validates cfg and returns an allocator.
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.Statfs == nil {
		cfg.Statfs = sysinfo.Statfs
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0o755
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	roots := make(map[Kind]Root, len(cfg.Roots))
	for _, r := range cfg.Roots {
		if r.Dir == "" {
			return nil, fmt.Errorf("slot: root %s has no directory", r.Kind)
		}
		if _, dup := roots[r.Kind]; dup {
			return nil, fmt.Errorf("slot: root %s declared twice", r.Kind)
		}
		if r.IndexFile == "" {
			r.IndexFile = filepath.Join(r.Dir, "currentindex")
		}
		r.MaxSlots = clampSlots(r.MaxSlots)
		roots[r.Kind] = r
	}

	return &Allocator{
		cfg:    cfg,
		roots:  roots,
		logger: cfg.Logger.With("component", "slot"),
	}, nil
}

func clampSlots(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxSlots
	case n > MaxSlotsLimit:
		return MaxSlotsLimit
	default:
		return n
	}
}

// Roots returns the configured roots in Kinds order.
func (a *Allocator) Roots() []Root {
	out := make([]Root, 0, len(a.roots))
	for _, k := range Kinds {
		if r, ok := a.roots[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Dir returns the primary-medium path of a slot.
func (a *Allocator) Dir(kind Kind, index int) (string, error) {
	r, ok := a.roots[kind]
	if !ok {
		return "", &PathError{Op: "resolve", Kind: kind, Err: ErrUnknownRoot}
	}
	return filepath.Join(r.Dir, strconv.Itoa(index)), nil
}

// Allocate reserves the next slot of kind and returns it empty.
func (a *Allocator) Allocate(kind Kind) (Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.allocate(kind)
	a.cfg.Metrics.RecordSlot(string(kind), err)
	if err != nil {
		a.logger.Warn("slot allocation failed", "kind", kind, "error", err)
		return Slot{}, err
	}
	a.logger.Debug("slot allocated", "kind", kind, "index", s.Index, "dir", s.Dir)
	return s, nil
}

func (a *Allocator) allocate(kind Kind) (Slot, error) {
	r, ok := a.roots[kind]
	if !ok {
		return Slot{}, &PathError{Op: "resolve", Kind: kind, Err: ErrUnknownRoot}
	}

	base, removable := a.selectMedium(r)
	if !removable {
		if err := a.checkSpace(r.Dir, a.cfg.PrimaryMinFreePercent); err != nil {
			return Slot{}, &PathError{Op: "statfs", Kind: kind, Path: r.Dir, Err: err}
		}
	}

	idx, err := readIndex(r.IndexFile, r.MaxSlots)
	if err != nil {
		return Slot{}, &PathError{Op: "read index", Kind: kind, Path: r.IndexFile, Err: err}
	}

	if err := writeIndex(r.IndexFile, (idx+1)%r.MaxSlots); err != nil {
		return Slot{}, &PathError{Op: "write index", Kind: kind, Path: r.IndexFile, Err: err}
	}

	dir := filepath.Join(base, strconv.Itoa(idx))
	if err := os.RemoveAll(dir); err != nil {
		return Slot{}, &PathError{Op: "wipe", Kind: kind, Path: dir, Err: err}
	}
	if err := os.MkdirAll(dir, a.cfg.DirMode); err != nil {
		return Slot{}, &PathError{Op: "mkdir", Kind: kind, Path: dir, Err: err}
	}
	if !removable && (a.cfg.UID >= 0 || a.cfg.GID >= 0) {
		if err := os.Chown(dir, a.cfg.UID, a.cfg.GID); err != nil {
			a.logger.Warn("chown slot", "dir", dir, "error", err)
		}
	}

	return Slot{Kind: kind, Index: idx, Dir: dir, Removable: removable}, nil
}

// selectMedium picks the secondary root when policy allows and it is usable.
func (a *Allocator) selectMedium(r Root) (string, bool) {
	if !a.cfg.UseSecondary || r.SecondaryDir == "" {
		return r.Dir, false
	}
	mount := a.cfg.SecondaryMount
	if mount == "" {
		mount = r.SecondaryDir
	}
	if !a.mounted(mount) {
		return r.Dir, false
	}
	if err := a.checkSpace(mount, a.cfg.SecondaryMinFreePercent); err != nil {
		a.logger.Debug("secondary medium unusable", "mount", mount, "error", err)
		return r.Dir, false
	}
	return r.SecondaryDir, true
}

func (a *Allocator) mounted(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// checkSpace measures the filesystem that holds path. A root that has not
// been created yet is measured through its nearest existing parent.
func (a *Allocator) checkSpace(path string, minFree int) error {
	if minFree <= 0 {
		return nil
	}
	st, err := a.cfg.Statfs(existingAncestor(path))
	if err != nil {
		return err
	}
	if free := st.FreePercent(); free < minFree {
		return fmt.Errorf("%w: %d%% free, need %d%%", ErrInsufficientSpace, free, minFree)
	}
	return nil
}

func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// readIndex returns the persisted index, 0 when the file is absent and 0
// when its content is not a valid index for maxSlots.
func readIndex(path string, maxSlots int) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	idx, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || idx < 0 || idx >= maxSlots {
		return 0, nil
	}
	return idx, nil
}

func writeIndex(path string, idx int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(idx)), 0o644)
}
