// Package health aggregates component checks for the status endpoint.
package health

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crashlogd/internal/sysinfo"
)

// Status is the state of one component or of the daemon as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// maxParallel caps the checks running at once.
const maxParallel = 8

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes a component.
type Check func(ctx context.Context) CheckResult

// Component is a named check. An unhealthy critical component makes the
// daemon unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

type entry struct {
	comp *Component
	last CheckResult
}

// Checker runs the registered checks and keeps their last results.
type Checker struct {
	started time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	ready   bool
}

// NewChecker returns an empty Checker.
func NewChecker() *Checker {
	return &Checker{started: time.Now(), entries: make(map[string]*entry)}
}

// Register adds comp, replacing a component of the same name. Its result
// is unknown until the next Check.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	c.entries[comp.Name] = &entry{comp: comp, last: CheckResult{Status: StatusUnknown}}
	c.mu.Unlock()
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Names returns the registered component names, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Uptime is the time since the checker was created.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.started)
}

// Check runs every registered check and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.entries))
	for _, e := range c.entries {
		comps = append(comps, e.comp)
	}
	c.mu.RUnlock()

	results := make([]CheckResult, len(comps))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, comp := range comps {
		g.Go(func() error {
			results[i] = probe(ctx, comp)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]CheckResult, len(comps))
	c.mu.Lock()
	for i, comp := range comps {
		out[comp.Name] = results[i]
		if e, ok := c.entries[comp.Name]; ok && e.comp == comp {
			e.last = results[i]
		}
	}
	c.mu.Unlock()
	return out
}

// probe runs one check under its timeout. A check that panics or does
// not return in time is unhealthy.
func probe(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// GetResults returns the last result of every component.
func (c *Checker) GetResults() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckResult, len(c.entries))
	for name, e := range c.entries {
		out[name] = e.last
	}
	return out
}

// OverallStatus folds the last results: an unhealthy critical component
// wins, then an unknown critical one, then any degradation.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		switch st := e.last.Status; {
		case st == StatusUnhealthy && e.comp.Critical:
			return StatusUnhealthy
		case st == StatusUnknown && e.comp.Critical:
			overall = StatusUnknown
		case st == StatusUnhealthy || st == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the aggregated health document.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report builds the health document. With full set the checks are run
// first and their results included.
func (c *Checker) Report(ctx context.Context, full bool) Report {
	r := Report{Timestamp: time.Now()}
	if full {
		r.Components = c.Check(ctx)
	}
	r.Status = c.OverallStatus()
	r.Ready = c.IsReady()
	r.Uptime = c.Uptime().Round(time.Second).String()
	return r
}

// FreeSpaceCheck reports the free space of the filesystem holding path.
// Below minPercent the component is degraded.
func FreeSpaceCheck(path string, minPercent int, statfs sysinfo.StatfsFunc) Check {
	if statfs == nil {
		statfs = sysinfo.Statfs
	}
	return func(ctx context.Context) CheckResult {
		st, err := statfs(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "statfs failed",
				Error:   err.Error(),
			}
		}
		free := st.FreePercent()
		details := map[string]any{"path": path, "free_percent": free}
		if free < minPercent {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("free space %d%% below %d%%", free, minPercent),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// WritableDirCheck reports whether a file can be created in dir.
func WritableDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "directory not writable",
				Error:   err.Error(),
				Details: map[string]any{"path": dir},
			}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return CheckResult{Status: StatusHealthy, Details: map[string]any{"path": dir}}
	}
}

// FreshnessCheck is unhealthy when last reports a time older than maxAge.
// A zero time means nothing has happened yet and counts as unknown.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) Check {
	return func(ctx context.Context) CheckResult {
		t := last()
		if t.IsZero() {
			return CheckResult{Status: StatusUnknown, Message: "no activity yet"}
		}
		age := time.Since(t)
		details := map[string]any{"age": age.Round(time.Second).String()}
		if age > maxAge {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("last activity %s ago", age.Round(time.Second)),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// CustomCheck creates a check from a simple function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "check failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
