package sysinfo

import (
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0000:00:00"},
		{59 * time.Second, "0000:00:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "0001:02:03"},
		{1234*time.Hour + 59*time.Minute, "1234:59:00"},
		{-time.Second, "0000:00:00"},
	}
	for _, tt := range tests {
		if got := FormatUptime(tt.in); got != tt.want {
			t.Errorf("FormatUptime(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFreePercent(t *testing.T) {
	if got := (FSStats{Blocks: 200, Avail: 50}).FreePercent(); got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
	if got := (FSStats{}).FreePercent(); got != 0 {
		t.Errorf("expected 0 for empty stats, got %d", got)
	}
}
