package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashlogd/internal/config"
	"crashlogd/internal/health"
	"crashlogd/internal/logging"
	"crashlogd/internal/slot"
	"crashlogd/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig points every path of the default configuration into dir.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.BaseDir = filepath.Join(dir, "logs")
	cfg.Storage.PrimaryMinFreePercent = 0
	cfg.Storage.MaxSlots = 4
	cfg.History.Path = filepath.Join(dir, "logs", "history_event")
	cfg.Identity.BuildFile = filepath.Join(dir, "build")
	cfg.Identity.UUIDFile = filepath.Join(dir, "data", "uuid.txt")
	cfg.Watch = config.WatchConfig{
		DropboxDir:    filepath.Join(dir, "dropbox"),
		TombstoneDir:  filepath.Join(dir, "tombstones"),
		CoreDir:       filepath.Join(dir, "core"),
		HprofDir:      filepath.Join(dir, "hprof"),
		TriggerDir:    filepath.Join(dir, "trigger"),
		LogsDir:       filepath.Join(dir, "aplogs"),
		ForwardPrefix: "mdmcrash",
	}
	cfg.Heartbeat.IntervalSec = 1
	cfg.Heartbeat.File = filepath.Join(dir, "run", "heartbeat")
	cfg.Heartbeat.Service = ""
	cfg.Logging.CrashDir = filepath.Join(dir, "crashes")
	cfg.Notify.Enabled = false
	cfg.Index.Path = filepath.Join(dir, "data", "events.db")
	cfg.Daemon.StateDir = filepath.Join(dir, "run")
	require.NoError(t, cfg.Validate())
	return cfg
}

func newDaemon(t *testing.T, cfg *config.Config, opts Options) *Daemon {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	d, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRoots(t *testing.T) {
	s := config.StorageConfig{
		BaseDir:      "/logs",
		SecondaryDir: "/mnt/sdcard/logs",
		MaxSlots:     10,
		RootMaxSlots: map[string]int{"bz": 3},
	}
	roots := Roots(s)
	require.Len(t, roots, len(slot.Kinds))

	assert.Equal(t, slot.KindCrash, roots[0].Kind)
	assert.Equal(t, "/logs/crash", roots[0].Dir)
	assert.Equal(t, "/logs/currentcrashlog", roots[0].IndexFile)
	assert.Equal(t, 10, roots[0].MaxSlots)
	assert.Empty(t, roots[0].SecondaryDir)
	assert.Equal(t, 3, roots[3].MaxSlots)

	s.UseSecondary = true
	roots = Roots(s)
	assert.Equal(t, "/mnt/sdcard/logs/stats", roots[1].SecondaryDir)
	assert.Equal(t, "/logs/currentstatslog", roots[1].IndexFile)
}

func TestParsePermissions(t *testing.T) {
	perm, err := parsePermissions("0640")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), perm)

	perm, err = parsePermissions("")
	require.NoError(t, err)
	assert.Zero(t, perm)

	_, err = parsePermissions("rw-r-----")
	assert.Error(t, err)
}

func TestNewRejectsBadPermissions(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Notify.Enabled = true
	cfg.Notify.SocketPath = filepath.Join(t.TempDir(), "s.sock")
	cfg.Notify.Permissions = "9"

	_, err := New(cfg, Options{Logger: quietLogger()})
	assert.Error(t, err)
}

func TestBootIsRecordedAndIndexed(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d := newDaemon(t, cfg, Options{Version: "test", BootReason: "WATCHDOG"})

	require.NoError(t, d.Boot(context.Background()))

	lines, err := d.History().Entries()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "REBOOT"))
	assert.Contains(t, lines[0], "WATCHDOG")

	require.NotNil(t, d.Index())
	events, err := d.Index().Query(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "REBOOT", events[0].Name)
	assert.Equal(t, "WATCHDOG", events[0].Type)
	assert.Equal(t, lines[0], events[0].Line)
}

func TestBootAfterBuildChangeRecordsUpdate(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Index.Enabled = false

	require.NoError(t, os.WriteFile(cfg.Identity.BuildFile, []byte("build-1\n"), 0o644))
	first, err := New(cfg, Options{Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, first.Boot(context.Background()))
	require.NoError(t, first.Close())

	require.NoError(t, os.WriteFile(cfg.Identity.BuildFile, []byte("build-2\n"), 0o644))
	second := newDaemon(t, cfg, Options{})
	require.NoError(t, second.Boot(context.Background()))

	assert.True(t, second.History().HasEvent("SWUPDATE"))
	assert.False(t, second.History().HasEvent("REBOOT"))
}

func TestWatchTable(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d := newDaemon(t, cfg, Options{})

	entries := d.Watches().Entries()
	require.NotEmpty(t, entries)
	dirs := map[string]bool{}
	for _, e := range entries {
		dirs[e.Dir] = true
	}
	assert.True(t, dirs[cfg.Watch.TombstoneDir])
	assert.True(t, dirs[cfg.Watch.TriggerDir])
	assert.Error(t, d.Watches().Add(entries[0]), "table is frozen after New")
}

func TestGenericEntriesAreLoaded(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Generic.Enabled = true
	cfg.Generic.Path = filepath.Join(dir, "generic.json")
	require.NoError(t, os.WriteFile(cfg.Generic.Path, []byte(`{"version": 1, "events": [
		{"name": "PSTORE", "path": "/sys/fs/pstore", "pattern": "dmesg"}
	]}`), 0o644))

	d := newDaemon(t, cfg, Options{})
	var found bool
	for _, e := range d.Watches().Entries() {
		if e.Name == "PSTORE" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHealthChecks(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d := newDaemon(t, cfg, Options{})

	assert.Equal(t, []string{"heartbeat", "history", "storage", "watch"}, d.Health().Names())

	results := d.Health().Check(context.Background())
	assert.Equal(t, health.StatusHealthy, results["history"].Status)
	assert.Equal(t, health.StatusUnhealthy, results["watch"].Status)
	assert.Equal(t, health.StatusUnknown, results["heartbeat"].Status)
}

func TestApplyReload(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	d := newDaemon(t, cfg, Options{})

	var got []logging.Level
	set := func(l logging.Level) { got = append(got, l) }

	next := cfg.Clone()
	d.ApplyReload(cfg, next, set)
	assert.Empty(t, got)

	next.Logging.Level = "debug"
	d.ApplyReload(cfg, next, set)
	assert.Equal(t, []logging.Level{logging.LevelDebug}, got)

	bad := cfg.Clone()
	bad.Logging.Level = "loud"
	d.ApplyReload(cfg, bad, set)
	assert.Len(t, got, 1)
}
