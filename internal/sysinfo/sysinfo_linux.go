//go:build linux

package sysinfo

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Uptime returns time since boot, including time spent suspended.
func Uptime() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime: %w", err)
	}
	return time.Duration(ts.Nano()), nil
}

// Statfs returns block counts for the filesystem holding path.
func Statfs(path string) (FSStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return FSStats{Blocks: st.Blocks, Avail: st.Bavail}, nil
}
