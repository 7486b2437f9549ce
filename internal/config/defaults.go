package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultLogsDir is the device log partition holding the evidence roots.
const DefaultLogsDir = "/logs"

// PlatformDataDir returns the directory for persistent daemon state.
//
// Paths:
//   - root:  /var/lib/crashlogd/
//   - users: $XDG_DATA_HOME/crashlogd/ or ~/.local/share/crashlogd/
//
// CRASHLOGD_DATA_DIR overrides both.
func PlatformDataDir() string {
	if dir := os.Getenv("CRASHLOGD_DATA_DIR"); dir != "" {
		return dir
	}
	if os.Geteuid() == 0 {
		return "/var/lib/crashlogd"
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "crashlogd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "crashlogd")
}

// PlatformConfigDir returns the configuration directory.
func PlatformConfigDir() string {
	if os.Geteuid() == 0 {
		return "/etc/crashlogd"
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crashlogd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "crashlogd")
}

// PlatformLogDir returns the directory for the daemon's own logs.
func PlatformLogDir() string {
	if os.Geteuid() == 0 {
		return "/var/log/crashlogd"
	}
	return filepath.Join(PlatformDataDir(), "logs")
}

// PlatformRuntimeDir returns the directory for sockets, pipes and PID files.
func PlatformRuntimeDir() string {
	if os.Geteuid() == 0 {
		return "/run/crashlogd"
	}
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "crashlogd")
	}
	return filepath.Join(os.TempDir(), "crashlogd-"+strconv.Itoa(os.Getuid()))
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "crashlogd."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
