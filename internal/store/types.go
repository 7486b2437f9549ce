// Package store mirrors the history ledger into SQLite so past events can
// be queried by name, type and time. The ledger stays authoritative: the
// index can be dropped and rebuilt from it at any time.
package store

import "time"

// Event is one indexed history entry.
type Event struct {
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Path       string    `json:"path,omitempty"`
	Uptime     string    `json:"uptime,omitempty"`
	Data       string    `json:"data,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	Line       string    `json:"line"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Name  string
	Type  string
	Since time.Time
	Until time.Time
	// Limit caps the result to the newest Limit events.
	Limit int
}

// Summary counts events per name.
type Summary struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}
