// Package sysinfo reads the few kernel facts the daemon depends on:
// boot-relative uptime and filesystem capacity.
package sysinfo

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported is returned on platforms without the needed syscalls.
var ErrUnsupported = errors.New("sysinfo: unsupported platform")

// FSStats is a snapshot of filesystem block counts.
type FSStats struct {
	Blocks uint64
	Avail  uint64
}

// FreePercent returns the share of blocks available to unprivileged users.
func (s FSStats) FreePercent() int {
	if s.Blocks == 0 {
		return 0
	}
	return int(s.Avail * 100 / s.Blocks)
}

// FormatUptime renders d as HHHH:MM:SS, the layout used in the history header.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%04d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// UptimeFunc is the signature shared by every uptime source.
type UptimeFunc func() (time.Duration, error)

// StatfsFunc is the signature shared by every filesystem statistics source.
type StatfsFunc func(path string) (FSStats, error)
