// Package heartbeat runs the periodic liveness work outside the event
// loop: it touches a heartbeat file, refreshes the uptime marker of the
// history log, checks that a companion service is alive and records an
// UPTIME event every configured number of hours.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"crashlogd/internal/collector"
	"crashlogd/internal/history"
	"crashlogd/internal/metrics"
	"crashlogd/internal/sysinfo"
)

// Defaults.
const (
	DefaultInterval    = 60 * time.Second
	MinInterval        = time.Second
	DefaultUptimeEvery = 12 * time.Hour

	ServiceDownType = "SERVICE_DOWN"
)

// UptimeMarker refreshes the uptime in the history header.
type UptimeMarker interface {
	UpdateUptime() error
}

// Recorder records events.
type Recorder interface {
	Record(ctx context.Context, r collector.Record) (history.Entry, error)
}

// ServiceChecker reports whether a named service is running.
type ServiceChecker interface {
	Active(ctx context.Context, name string) (bool, error)
}

// Config configures a Heartbeat.
type Config struct {
	Interval time.Duration

	// File is touched on every beat when set.
	File string

	// Service is checked through Checker when both are set.
	Service string
	Checker ServiceChecker

	// UptimeEvery is the uptime period between UPTIME events; zero disables
	// them.
	UptimeEvery time.Duration

	History  UptimeMarker
	Recorder Recorder
	Uptime   sysinfo.UptimeFunc
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Stats describes the beats so far.
type Stats struct {
	TotalBeats    uint64
	Failures      uint64
	UptimeEvents  uint64
	LastBeat      time.Time
	LastError     error
	ServiceActive bool
}

// Heartbeat runs Beat on a ticker.
type Heartbeat struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   Stats

	// periods is the number of UptimeEvery periods already reported.
	periods  int64
	lastDown bool
}

// New returns a stopped Heartbeat.
func New(cfg Config) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Uptime == nil {
		cfg.Uptime = sysinfo.Uptime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Heartbeat{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "heartbeat"),
	}
	if cfg.UptimeEvery > 0 {
		if up, err := cfg.Uptime(); err == nil {
			h.periods = int64(up / cfg.UptimeEvery)
		}
	}
	return h
}

// Start launches the ticker goroutine. It is a no-op when running.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.run(ctx)

	h.logger.Info("heartbeat started", "interval", h.cfg.Interval, "service", h.cfg.Service)
	return nil
}

// Stop cancels the ticker goroutine and waits for it.
func (h *Heartbeat) Stop() error {
	if !h.running.CompareAndSwap(true, false) {
		return nil
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	h.logger.Info("heartbeat stopped")
	return nil
}

// Run is Start followed by a wait for ctx, for use under an errgroup.
func (h *Heartbeat) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return h.Stop()
}

// IsRunning reports whether the ticker goroutine is active.
func (h *Heartbeat) IsRunning() bool {
	return h.running.Load()
}

// Stats returns a snapshot of the statistics.
func (h *Heartbeat) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *Heartbeat) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Beat performs one heartbeat. Every step runs; their errors are joined.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var errs []error

	if h.cfg.File != "" {
		if err := touch(h.cfg.File); err != nil {
			errs = append(errs, err)
		}
	}
	if h.cfg.History != nil {
		if err := h.cfg.History.UpdateUptime(); err != nil {
			errs = append(errs, fmt.Errorf("update uptime: %w", err))
		}
	}

	active, err := h.checkService(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if err := h.uptimeEvent(ctx); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	h.mu.Lock()
	h.stats.TotalBeats++
	h.stats.LastBeat = time.Now()
	h.stats.ServiceActive = active
	if err != nil {
		h.stats.Failures++
		h.stats.LastError = err
	}
	h.mu.Unlock()
	return err
}

// checkService queries the checker and records a SERVICE_DOWN event when
// the service goes from running to stopped.
func (h *Heartbeat) checkService(ctx context.Context) (bool, error) {
	if h.cfg.Checker == nil || h.cfg.Service == "" {
		return true, nil
	}
	active, err := h.cfg.Checker.Active(ctx, h.cfg.Service)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", h.cfg.Service, err)
	}
	h.cfg.Metrics.RecordHeartbeat(active)

	h.mu.Lock()
	wasDown := h.lastDown
	h.lastDown = !active
	h.mu.Unlock()

	if !active && !wasDown {
		h.logger.Warn("service not active", "service", h.cfg.Service)
		if h.cfg.Recorder != nil {
			_, err := h.cfg.Recorder.Record(ctx, collector.Record{
				Name: collector.EventInfo,
				Type: ServiceDownType,
				Data: []string{h.cfg.Service},
			})
			if err != nil {
				return false, err
			}
		}
	}
	return active, nil
}

// uptimeEvent records one UPTIME event when a new period has started.
func (h *Heartbeat) uptimeEvent(ctx context.Context) error {
	if h.cfg.UptimeEvery <= 0 || h.cfg.Recorder == nil {
		return nil
	}
	up, err := h.cfg.Uptime()
	if err != nil {
		return fmt.Errorf("uptime: %w", err)
	}
	periods := int64(up / h.cfg.UptimeEvery)

	h.mu.Lock()
	due := periods > h.periods
	if due {
		h.periods = periods
	}
	h.mu.Unlock()
	if !due {
		return nil
	}

	if _, err := h.cfg.Recorder.Record(ctx, collector.Record{
		Name: collector.EventUptime,
		Type: sysinfo.FormatUptime(up),
	}); err != nil {
		return err
	}
	h.mu.Lock()
	h.stats.UptimeEvents++
	h.mu.Unlock()
	return nil
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return f.Close()
}
