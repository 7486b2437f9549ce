// Package metrics provides Prometheus metrics for crashlogd.
//
// Collectors are registered on a caller-supplied registry so tests can use
// a private one. Every recording helper is safe to call on a nil *Metrics,
// which lets packages take metrics as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crashlogd"

// DurationBuckets are the default buckets for short operations.
var DurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// Metrics holds all crashlogd collectors.
type Metrics struct {
	// Counters
	EventsRecorded     *prometheus.CounterVec
	HistoryAppends     prometheus.Counter
	HistoryRewrites    prometheus.Counter
	HistoryErrors      prometheus.Counter
	SlotAllocations    *prometheus.CounterVec
	SlotFailures       *prometheus.CounterVec
	StreamRecords      prometheus.Counter
	StreamReassemblies *prometheus.CounterVec
	StreamErrors       *prometheus.CounterVec
	DuplicatesFiltered prometheus.Counter
	EvidenceCopies     *prometheus.CounterVec
	EvidenceBytes      prometheus.Counter
	Heartbeats         prometheus.Counter
	PumpErrors         *prometheus.CounterVec

	// Gauges
	HistoryRecords    prometheus.Gauge
	ServiceAlive      prometheus.Gauge
	NotifySubscribers prometheus.Gauge

	// Histograms
	PumpDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "History entries recorded, by event name",
		}, []string{"event"}),
		HistoryAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_appends_total",
			Help:      "Single-line appends to the history file",
		}),
		HistoryRewrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_rewrites_total",
			Help:      "Full rewrites of the history file after eviction",
		}),
		HistoryErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_write_errors_total",
			Help:      "Failed history writes",
		}),
		SlotAllocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_allocations_total",
			Help:      "Storage slots allocated, by root",
		}, []string{"root"}),
		SlotFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_failures_total",
			Help:      "Storage slot allocation failures, by root",
		}, []string{"root"}),
		StreamRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_records_total",
			Help:      "Kernel notification records decoded",
		}),
		StreamReassemblies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reassemblies_total",
			Help:      "Records completed with a catch-up read, by split kind",
		}, []string{"split"}),
		StreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Failed pump cycles, by kind",
		}, []string{"kind"}),
		DuplicatesFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_filtered_total",
			Help:      "Rename pairs recognised as rotated duplicates",
		}),
		EvidenceCopies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_copies_total",
			Help:      "Evidence copies, by mode and result",
		}, []string{"mode", "result"}),
		EvidenceBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_bytes_total",
			Help:      "Bytes written into storage slots",
		}),
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Uptime heartbeat ticks",
		}),
		PumpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_errors_total",
			Help:      "Event source pumps that returned an error, by source",
		}, []string{"source"}),
		HistoryRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_records",
			Help:      "Event lines currently retained in the history file",
		}),
		ServiceAlive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watched_service_alive",
			Help:      "1 when the supervised service was active at the last heartbeat",
		}),
		NotifySubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notify_subscribers",
			Help:      "Connected notification subscribers",
		}),
		PumpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pump_duration_seconds",
			Help:      "Time spent draining one ready descriptor",
			Buckets:   DurationBuckets,
		}, []string{"source"}),
	}
}

// RecordEvent counts one history entry.
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsRecorded.WithLabelValues(event).Inc()
}

// RecordHistoryWrite counts one history write of either kind.
func (m *Metrics) RecordHistoryWrite(rewrite bool, records int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.HistoryErrors.Inc()
		return
	}
	if rewrite {
		m.HistoryRewrites.Inc()
	} else {
		m.HistoryAppends.Inc()
	}
	m.HistoryRecords.Set(float64(records))
}

// RecordSlot counts one allocation attempt for root.
func (m *Metrics) RecordSlot(root string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SlotFailures.WithLabelValues(root).Inc()
		return
	}
	m.SlotAllocations.WithLabelValues(root).Inc()
}

// RecordStreamRecord counts one decoded record.
func (m *Metrics) RecordStreamRecord() {
	if m == nil {
		return
	}
	m.StreamRecords.Inc()
}

// RecordReassembly counts one record completed by a catch-up read.
func (m *Metrics) RecordReassembly(split string) {
	if m == nil {
		return
	}
	m.StreamReassemblies.WithLabelValues(split).Inc()
}

// RecordStreamError counts one failed pump cycle.
func (m *Metrics) RecordStreamError(kind string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(kind).Inc()
}

// RecordDuplicate counts one filtered rename pair.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesFiltered.Inc()
}

// RecordEvidence counts one evidence copy.
func (m *Metrics) RecordEvidence(mode string, n int64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EvidenceCopies.WithLabelValues(mode, result).Inc()
	m.EvidenceBytes.Add(float64(n))
}

// RecordHeartbeat counts one heartbeat and the service liveness seen.
func (m *Metrics) RecordHeartbeat(alive bool) {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
	if alive {
		m.ServiceAlive.Set(1)
	} else {
		m.ServiceAlive.Set(0)
	}
}

// SetSubscribers records the current notifier client count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.NotifySubscribers.Set(float64(n))
}

// ObservePump records how long one descriptor pump took and whether it
// failed.
func (m *Metrics) ObservePump(source string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PumpDuration.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		m.PumpErrors.WithLabelValues(source).Inc()
	}
}
