// Package app wires the daemon together: configuration in, a running
// event loop, heartbeat, notifier and status endpoint out.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"crashlogd/internal/collector"
	"crashlogd/internal/config"
	"crashlogd/internal/evidence"
	"crashlogd/internal/generic"
	"crashlogd/internal/health"
	"crashlogd/internal/heartbeat"
	"crashlogd/internal/history"
	"crashlogd/internal/identity"
	"crashlogd/internal/inotify"
	"crashlogd/internal/ipc"
	"crashlogd/internal/logging"
	"crashlogd/internal/metrics"
	"crashlogd/internal/modem"
	"crashlogd/internal/monitor"
	"crashlogd/internal/netlink"
	"crashlogd/internal/rename"
	"crashlogd/internal/slot"
	"crashlogd/internal/status"
	"crashlogd/internal/store"
	"crashlogd/internal/watcher"
)

// Options carries what the command line adds to the configuration.
type Options struct {
	Version    string
	BootReason string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Crash reports goroutine panics; nil runs goroutines unguarded.
	Crash *logging.CrashHandler
	// Registry receives the metrics and backs /metrics. Defaults to a
	// fresh registry.
	Registry *prometheus.Registry
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	keys      *identity.Generator
	history   *history.Log
	slots     *slot.Allocator
	copier    *evidence.Copier
	watches   *watcher.Registry
	collector *collector.Collector
	dups      *rename.Filter

	index     *store.Index
	notifier  *ipc.Server
	heartbeat *heartbeat.Heartbeat
	checker   *health.Checker
	status    *status.Server

	closers  []io.Closer
	watching atomic.Bool
}

// New builds the daemon from cfg. Nothing is watched or served until Run.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger,
		registry: opts.Registry,
		metrics:  metrics.New(opts.Registry),
	}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	deviceUUID, err := identity.LoadOrCreateUUID(cfg.Identity.UUIDFile)
	if err != nil {
		return nil, err
	}
	d.keys = identity.New(identity.BuildFingerprint(cfg.Identity.BuildFile, cfg.Identity.Build), deviceUUID, nil)

	d.history = history.New(history.Config{
		Path:       cfg.History.Path,
		MaxRecords: cfg.History.MaxRecords,
		Logger:     d.logger,
		Metrics:    d.metrics,
	})

	d.slots, err = slot.NewAllocator(slot.Config{
		Roots:                   Roots(cfg.Storage),
		UseSecondary:            cfg.Storage.UseSecondary,
		SecondaryMount:          cfg.Storage.SecondaryMount,
		PrimaryMinFreePercent:   cfg.Storage.PrimaryMinFreePercent,
		SecondaryMinFreePercent: cfg.Storage.SecondaryMinFreePercent,
		UID:                     cfg.Storage.UID,
		GID:                     cfg.Storage.GID,
		Logger:                  d.logger,
		Metrics:                 d.metrics,
	})
	if err != nil {
		return nil, err
	}

	d.copier = evidence.New(evidence.Config{
		MaxCopyBytes:      cfg.Evidence.MaxCopyBytes,
		CompressThreshold: cfg.Evidence.CompressThresholdBytes,
		BulkWorkers:       int64(cfg.Evidence.BulkWorkers),
		Logger:            d.logger,
		Metrics:           d.metrics,
	})

	d.watches = watcher.NewRegistry(d.logger)
	d.collector, err = collector.New(collector.Config{
		Slots:   d.slots,
		History: d.history,
		Keys:    d.keys,
		Copier:  d.copier,
		Paths:   d.watches,
		LogsDir: cfg.Watch.LogsDir,
		Logger:  d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.dups = rename.New(d.collector, d.logger, d.metrics)
	d.dups.Bind(cfg.Watch.DropboxDir, d.watches)

	if err := d.watches.Add(d.collector.Table(collector.Dirs{
		Dropbox:   cfg.Watch.DropboxDir,
		Tombstone: cfg.Watch.TombstoneDir,
		Core:      cfg.Watch.CoreDir,
		Hprof:     cfg.Watch.HprofDir,
		Trigger:   cfg.Watch.TriggerDir,
	})...); err != nil {
		return nil, err
	}
	if cfg.Generic.Enabled {
		rules, err := generic.Load(cfg.Generic.Path)
		if err != nil {
			return nil, err
		}
		if err := d.watches.Add(generic.Entries(rules, collector.TypeGeneric, d.collector.HandleGeneric)...); err != nil {
			return nil, err
		}
		d.logger.Info("generic entries loaded", "path", cfg.Generic.Path, "count", len(rules))
	}
	d.watches.Freeze()

	if cfg.Index.Enabled {
		d.index, err = store.Open(cfg.Index.Path, d.logger)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.index)
		d.history.AddSink(d.index)
	}

	if cfg.Notify.Enabled {
		perm, err := parsePermissions(cfg.Notify.Permissions)
		if err != nil {
			return nil, err
		}
		d.notifier = ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.Notify.SocketPath,
			Version:        opts.Version,
			Permissions:    perm,
			MaxConnections: cfg.Notify.MaxConnections,
			Logger:         d.logger,
			Metrics:        d.metrics,
		})
		d.history.AddSink(d.notifier)
	}

	if cfg.Heartbeat.Enabled {
		var services heartbeat.ServiceChecker
		if cfg.Heartbeat.Service != "" {
			sc, err := heartbeat.NewSystemdChecker()
			if err != nil {
				d.logger.Warn("service checks disabled", "service", cfg.Heartbeat.Service, "error", err)
			} else {
				services = sc
				d.closers = append(d.closers, sc)
			}
		}
		d.heartbeat = heartbeat.New(heartbeat.Config{
			Interval:    time.Duration(cfg.Heartbeat.IntervalSec) * time.Second,
			File:        cfg.Heartbeat.File,
			Service:     cfg.Heartbeat.Service,
			Checker:     services,
			UptimeEvery: time.Duration(cfg.Heartbeat.UptimeEventHours) * time.Hour,
			History:     d.history,
			Recorder:    d.collector,
			Logger:      d.logger,
			Metrics:     d.metrics,
		})
	}

	d.checker = d.healthChecks()
	if cfg.Status.Enabled {
		d.status = status.New(status.Config{
			Listen:   cfg.Status.Listen,
			Checker:  d.checker,
			History:  d.history,
			Gatherer: d.registry,
			Version:  opts.Version,
			Logger:   d.logger,
		})
	}
	ok = true
	return d, nil
}

// Roots lays the four storage roots out under the configured base
// directories. Index files sit next to the roots on the primary medium.
func Roots(s config.StorageConfig) []slot.Root {
	roots := make([]slot.Root, 0, len(slot.Kinds))
	for _, k := range slot.Kinds {
		r := slot.Root{
			Kind:      k,
			Dir:       filepath.Join(s.BaseDir, string(k)),
			IndexFile: filepath.Join(s.BaseDir, "current"+string(k)+"log"),
			MaxSlots:  s.SlotsFor(string(k)),
		}
		if s.UseSecondary && s.SecondaryDir != "" {
			r.SecondaryDir = filepath.Join(s.SecondaryDir, string(k))
		}
		roots = append(roots, r)
	}
	return roots
}

func parsePermissions(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("notify permissions %q: %w", s, err)
	}
	return os.FileMode(v), nil
}

func (d *Daemon) healthChecks() *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("history", true, health.WritableDirCheck(filepath.Dir(d.cfg.History.Path)))
	c.RegisterFunc("storage", false, health.FreeSpaceCheck(d.cfg.Storage.BaseDir, d.cfg.Storage.PrimaryMinFreePercent, nil))
	c.RegisterFunc("watch", true, health.CustomCheck(func() error {
		if !d.watching.Load() {
			return errors.New("event loop not running")
		}
		return nil
	}))
	if d.heartbeat != nil {
		maxAge := 3 * time.Duration(d.cfg.Heartbeat.IntervalSec) * time.Second
		c.RegisterFunc("heartbeat", false, health.FreshnessCheck(func() time.Time {
			return d.heartbeat.Stats().LastBeat
		}, maxAge))
	}
	return c
}

// Identity returns the key generator.
func (d *Daemon) Identity() *identity.Generator { return d.keys }

// History returns the ledger.
func (d *Daemon) History() *history.Log { return d.history }

// Collector returns the event recorder.
func (d *Daemon) Collector() *collector.Collector { return d.collector }

// Watches returns the watch table.
func (d *Daemon) Watches() *watcher.Registry { return d.watches }

// Index returns the event index, nil when disabled.
func (d *Daemon) Index() *store.Index { return d.index }

// Health returns the health checker.
func (d *Daemon) Health() *health.Checker { return d.checker }

// Notifier returns the subscriber socket server, nil when disabled.
func (d *Daemon) Notifier() *ipc.Server { return d.notifier }

// Boot records the daemon start in the history.
func (d *Daemon) Boot(ctx context.Context) error {
	lastBuild := filepath.Join(filepath.Dir(d.cfg.Identity.UUIDFile), "last_build")
	return d.collector.Boot(ctx, d.keys.Build(), lastBuild, d.opts.BootReason)
}

// Run opens the event sources, records the boot and serves until ctx is
// cancelled. In-flight bulk copies are drained before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.copier.Wait()

	if d.notifier != nil {
		if err := d.notifier.Start(); err != nil {
			return err
		}
		defer d.notifier.Stop()
	}

	loop, err := d.openSources()
	if err != nil {
		return err
	}
	defer loop.Close()

	if err := d.Boot(ctx); err != nil {
		d.logger.Error("boot record", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(d.guard("monitor", func() error {
		d.watching.Store(true)
		defer d.watching.Store(false)
		return loop.Run(ctx)
	}))
	if d.heartbeat != nil {
		g.Go(d.guard("heartbeat", func() error { return d.heartbeat.Run(ctx) }))
	}
	if d.status != nil {
		g.Go(d.guard("status", func() error { return d.status.Run(ctx) }))
	}

	d.checker.SetReady(true)
	d.logger.Info("crashlogd running", "version", d.opts.Version, "watches", d.watches.Len())
	err = g.Wait()
	d.checker.SetReady(false)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (d *Daemon) guard(name string, fn func() error) func() error {
	if d.opts.Crash == nil {
		return fn
	}
	return d.opts.Crash.Guard(name, fn)
}

// openSources registers the watch table and adds every enabled source to
// a fresh event loop. A missing optional source is logged, not fatal.
func (d *Daemon) openSources() (*monitor.Loop, error) {
	loop, err := monitor.New(monitor.Config{Logger: d.logger, Metrics: d.metrics})
	if err != nil {
		return nil, err
	}

	in, err := inotify.Open()
	if err != nil {
		loop.Close()
		return nil, err
	}
	d.closers = append(d.closers, in)
	if err := d.watches.Register(in); err != nil {
		d.logger.Warn("some watches could not be added", "error", err)
	}
	reader := inotify.NewReader(in, inotify.Config{
		BufferSize:    d.cfg.Watch.BufferSize,
		Resolver:      d.watches,
		Interceptor:   d.dups,
		Forwarder:     d.collector,
		ForwardPrefix: d.cfg.Watch.ForwardPrefix,
		Logger:        d.logger,
		Metrics:       d.metrics,
	})
	loop.Add("inotify", in.FD(), reader)

	if d.cfg.Modem.Enabled {
		fifo, err := modem.OpenFIFO(d.cfg.Modem.FIFO)
		if err != nil {
			d.logger.Warn("modem channel disabled", "fifo", d.cfg.Modem.FIFO, "error", err)
		} else {
			d.closers = append(d.closers, fifo)
			ch := modem.New(fifo, fifo.FD(), modem.Config{Recorder: d.collector, Logger: d.logger})
			loop.Add("modem", ch.FD(), ch)
		}
	}

	if d.cfg.Netlink.Enabled {
		sock, err := netlink.Dial(d.cfg.Netlink.Protocol)
		if err != nil {
			d.logger.Warn("netlink channel disabled", "protocol", d.cfg.Netlink.Protocol, "error", err)
		} else {
			d.closers = append(d.closers, sock)
			l := netlink.NewListener(sock, netlink.Config{Recorder: d.collector, Logger: d.logger, Metrics: d.metrics})
			loop.Add("netlink", l.FD(), l)
		}
	}
	return loop, nil
}

// ApplyReload applies the live-reloadable settings of cfg. Only the log
// level changes without a restart; other changed sections are logged.
func (d *Daemon) ApplyReload(old, cfg *config.Config, setLevel func(logging.Level)) {
	if pending := config.RestartRequired(old, cfg); len(pending) > 0 {
		d.logger.Warn("configuration changed, restart required", "sections", pending)
	}
	if old.Logging.Level == cfg.Logging.Level {
		return
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		d.logger.Warn("ignoring log level", "level", cfg.Logging.Level, "error", err)
		return
	}
	setLevel(level)
	d.logger.Info("log level changed", "from", old.Logging.Level, "to", cfg.Logging.Level)
}

// Close releases descriptors, the index and the ledger.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
