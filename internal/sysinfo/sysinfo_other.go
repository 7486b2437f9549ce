//go:build !linux

package sysinfo

import "time"

// Uptime is not available off Linux.
func Uptime() (time.Duration, error) {
	return 0, ErrUnsupported
}

// Statfs is not available off Linux.
func Statfs(path string) (FSStats, error) {
	return FSStats{}, ErrUnsupported
}
