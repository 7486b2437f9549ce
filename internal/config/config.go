// Package config handles configuration loading, validation, and management for crashlogd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version" validate:"gte=1"`

	// Storage configures the rotating evidence roots.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// History configures the event ledger.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Identity configures event key generation.
	Identity IdentityConfig `toml:"identity" json:"identity" yaml:"identity"`

	// Watch lists the directories of the static watch table.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Evidence configures evidence copies.
	Evidence EvidenceConfig `toml:"evidence" json:"evidence" yaml:"evidence"`

	// Generic configures plugin-style watch entries.
	Generic GenericConfig `toml:"generic" json:"generic" yaml:"generic"`

	// Modem configures the modem-manager event channel.
	Modem ModemConfig `toml:"modem" json:"modem" yaml:"modem"`

	// Netlink configures the kernel crash-tool channel.
	Netlink NetlinkConfig `toml:"netlink" json:"netlink" yaml:"netlink"`

	// Heartbeat configures the uptime worker.
	Heartbeat HeartbeatConfig `toml:"heartbeat" json:"heartbeat" yaml:"heartbeat"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Notify configures the subscriber socket.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Status configures the HTTP status endpoint.
	Status StatusConfig `toml:"status" json:"status" yaml:"status"`

	// Index configures the queryable event index.
	Index IndexConfig `toml:"index" json:"index" yaml:"index"`

	// Daemon configures process lifecycle files.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds the evidence root configuration.
type StorageConfig struct {
	// BaseDir holds the four roots and their index files.
	BaseDir string `toml:"base_dir" json:"base_dir" yaml:"base_dir" validate:"required"`

	// SecondaryDir holds the roots on removable media.
	SecondaryDir string `toml:"secondary_dir" json:"secondary_dir" yaml:"secondary_dir"`

	// SecondaryMount is checked for presence and free space before the
	// secondary roots are used. Defaults to SecondaryDir.
	SecondaryMount string `toml:"secondary_mount" json:"secondary_mount" yaml:"secondary_mount"`

	// UseSecondary allows slots on removable media.
	UseSecondary bool `toml:"use_secondary" json:"use_secondary" yaml:"use_secondary"`

	// MaxSlots is the slot count per root.
	MaxSlots int `toml:"max_slots" json:"max_slots" yaml:"max_slots" validate:"gte=0,lte=1000"`

	// RootMaxSlots overrides MaxSlots per root kind.
	RootMaxSlots map[string]int `toml:"root_max_slots" json:"root_max_slots" yaml:"root_max_slots" validate:"dive,keys,oneof=crash stats aplogs bz,endkeys,gte=0,lte=1000"`

	// PrimaryMinFreePercent gates allocation on the primary medium.
	PrimaryMinFreePercent int `toml:"primary_min_free_percent" json:"primary_min_free_percent" yaml:"primary_min_free_percent" validate:"gte=0,lte=100"`

	// SecondaryMinFreePercent gates use of removable media.
	SecondaryMinFreePercent int `toml:"secondary_min_free_percent" json:"secondary_min_free_percent" yaml:"secondary_min_free_percent" validate:"gte=0,lte=100"`

	// UID and GID own fresh slots on the primary medium; -1 leaves them.
	UID int `toml:"uid" json:"uid" yaml:"uid" validate:"gte=-1"`
	GID int `toml:"gid" json:"gid" yaml:"gid" validate:"gte=-1"`
}

// HistoryConfig holds ledger configuration.
type HistoryConfig struct {
	// Path is the ledger file.
	Path string `toml:"path" json:"path" yaml:"path" validate:"required"`

	// MaxRecords bounds the retained event lines.
	MaxRecords int `toml:"max_records" json:"max_records" yaml:"max_records" validate:"gte=1,lte=100000"`
}

// IdentityConfig holds key generation inputs.
type IdentityConfig struct {
	// Build is the fallback build fingerprint.
	Build string `toml:"build" json:"build" yaml:"build"`

	// BuildFile is read for the build fingerprint when present.
	BuildFile string `toml:"build_file" json:"build_file" yaml:"build_file"`

	// UUIDFile persists the device UUID.
	UUIDFile string `toml:"uuid_file" json:"uuid_file" yaml:"uuid_file" validate:"required"`
}

// WatchConfig holds the directories of the static watch table.
type WatchConfig struct {
	// DropboxDir receives application crash and ANR reports.
	DropboxDir string `toml:"dropbox_dir" json:"dropbox_dir" yaml:"dropbox_dir"`

	// TombstoneDir receives native crash tombstones.
	TombstoneDir string `toml:"tombstone_dir" json:"tombstone_dir" yaml:"tombstone_dir"`

	// CoreDir receives application core dumps.
	CoreDir string `toml:"core_dir" json:"core_dir" yaml:"core_dir"`

	// HprofDir receives heap dumps.
	HprofDir string `toml:"hprof_dir" json:"hprof_dir" yaml:"hprof_dir"`

	// TriggerDir receives log collection trigger files.
	TriggerDir string `toml:"trigger_dir" json:"trigger_dir" yaml:"trigger_dir"`

	// LogsDir is the source tree copied for log collection triggers.
	LogsDir string `toml:"logs_dir" json:"logs_dir" yaml:"logs_dir"`

	// ForwardPrefix selects unresolved directory events handed to the
	// modem collaborator.
	ForwardPrefix string `toml:"forward_prefix" json:"forward_prefix" yaml:"forward_prefix"`

	// BufferSize is the read size of the notification stream.
	BufferSize int `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size" validate:"gte=0"`
}

// EvidenceConfig holds evidence copy limits.
type EvidenceConfig struct {
	// MaxCopyBytes caps a single file copy.
	MaxCopyBytes int64 `toml:"max_copy_bytes" json:"max_copy_bytes" yaml:"max_copy_bytes" validate:"gte=0"`

	// CompressThresholdBytes enables gzip for large copies; 0 disables.
	CompressThresholdBytes int64 `toml:"compress_threshold_bytes" json:"compress_threshold_bytes" yaml:"compress_threshold_bytes" validate:"gte=0"`

	// BulkWorkers bounds concurrent directory copies.
	BulkWorkers int `toml:"bulk_workers" json:"bulk_workers" yaml:"bulk_workers" validate:"gte=0,lte=64"`
}

// GenericConfig holds plugin-style watch configuration.
type GenericConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the JSON file listing extra watch entries.
	Path string `toml:"path" json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// ModemConfig holds the modem-manager channel configuration.
type ModemConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// FIFO is the named pipe the modem manager writes to.
	FIFO string `toml:"fifo" json:"fifo" yaml:"fifo" validate:"required_if=Enabled true"`
}

// NetlinkConfig holds the kernel crash-tool channel configuration.
type NetlinkConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Protocol is the netlink protocol number.
	Protocol int `toml:"protocol" json:"protocol" yaml:"protocol" validate:"gte=0,lte=31"`
}

// HeartbeatConfig holds uptime worker configuration.
type HeartbeatConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// IntervalSec is the tick period.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec" validate:"gte=1"`

	// File is touched on every tick.
	File string `toml:"file" json:"file" yaml:"file"`

	// Service is a systemd unit checked for liveness; empty disables.
	Service string `toml:"service" json:"service" yaml:"service"`

	// UptimeEventHours records an UPTIME event every this many hours; 0 disables.
	UptimeEventHours int `toml:"uptime_event_hours" json:"uptime_event_hours" yaml:"uptime_event_hours" validate:"gte=0"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" validate:"oneof=text json"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output" validate:"oneof=stdout stderr file both"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"gte=0"`

	// MaxAgeDays is the maximum age of log files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`

	// Compress determines whether to gzip rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// CrashDir receives the daemon's own panic reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// NotifyConfig holds subscriber socket configuration.
type NotifyConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the Unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path" validate:"required_if=Enabled true"`

	// Permissions is the socket file mode, in octal.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections bounds concurrent subscribers.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections" validate:"gte=0"`
}

// StatusConfig holds HTTP status endpoint configuration.
type StatusConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the address to bind.
	Listen string `toml:"listen" json:"listen" yaml:"listen" validate:"required_if=Enabled true"`
}

// IndexConfig holds the event index configuration.
type IndexConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// DaemonConfig holds process lifecycle files.
type DaemonConfig struct {
	// StateDir holds the PID and state files.
	StateDir string `toml:"state_dir" json:"state_dir" yaml:"state_dir" validate:"required"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	logs := DefaultLogsDir
	data := PlatformDataDir()
	run := PlatformRuntimeDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			BaseDir:                 logs,
			SecondaryDir:            "/mnt/sdcard/logs",
			UseSecondary:            false,
			MaxSlots:                1000,
			PrimaryMinFreePercent:   10,
			SecondaryMinFreePercent: 10,
			UID:                     -1,
			GID:                     -1,
		},
		History: HistoryConfig{
			Path:       filepath.Join(logs, "history_event"),
			MaxRecords: 5000,
		},
		Identity: IdentityConfig{
			Build:     "unknown",
			BuildFile: "/etc/build_fingerprint",
			UUIDFile:  filepath.Join(data, "uuid.txt"),
		},
		Watch: WatchConfig{
			DropboxDir:    "/data/system/dropbox",
			TombstoneDir:  "/data/tombstones",
			CoreDir:       filepath.Join(logs, "core"),
			HprofDir:      "/data/misc/hprofdumps",
			TriggerDir:    filepath.Join(logs, "trigger"),
			LogsDir:       "/data/logs",
			ForwardPrefix: "mdmcrash",
		},
		Evidence: EvidenceConfig{
			MaxCopyBytes:           10 << 20,
			CompressThresholdBytes: 1 << 20,
			BulkWorkers:            2,
		},
		Generic: GenericConfig{
			Enabled: false,
			Path:    filepath.Join(PlatformConfigDir(), "generic.json"),
		},
		Modem: ModemConfig{
			Enabled: false,
			FIFO:    filepath.Join(run, "modem.fifo"),
		},
		Netlink: NetlinkConfig{
			Enabled:  false,
			Protocol: 27,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:          true,
			IntervalSec:      60,
			File:             filepath.Join(run, "heartbeat"),
			UptimeEventHours: 12,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "crashlogd.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
			CrashDir:   filepath.Join(data, "crashes"),
		},
		Notify: NotifyConfig{
			Enabled:        true,
			SocketPath:     filepath.Join(run, "crashlogd.sock"),
			Permissions:    "0660",
			MaxConnections: 16,
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Index: IndexConfig{
			Enabled: true,
			Path:    filepath.Join(data, "events.db"),
		},
		Daemon: DaemonConfig{
			StateDir: run,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := FindConfigFile(); p != "" {
		return p
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.BaseDir,
		filepath.Dir(c.History.Path),
		filepath.Dir(c.Identity.UUIDFile),
		c.Daemon.StateDir,
		c.Logging.CrashDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Index.Enabled {
		dirs = append(dirs, filepath.Dir(c.Index.Path))
	}
	if c.Notify.Enabled {
		dirs = append(dirs, filepath.Dir(c.Notify.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with CRASHLOGD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("CRASHLOGD_STORAGE_DIR"); v != "" {
		c.Storage.BaseDir = v
	}
	if v := os.Getenv("CRASHLOGD_SECONDARY_DIR"); v != "" {
		c.Storage.SecondaryDir = v
	}
	if v := os.Getenv("CRASHLOGD_USE_SECONDARY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.UseSecondary = b
		}
	}

	// History overrides
	if v := os.Getenv("CRASHLOGD_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	if v := os.Getenv("CRASHLOGD_HISTORY_MAX_RECORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.MaxRecords = n
		}
	}

	// Identity overrides
	if v := os.Getenv("CRASHLOGD_BUILD"); v != "" {
		c.Identity.Build = v
	}

	// Logging overrides
	if v := os.Getenv("CRASHLOGD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CRASHLOGD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Notify overrides
	if v := os.Getenv("CRASHLOGD_SOCKET_PATH"); v != "" {
		c.Notify.SocketPath = v
	}

	// Status overrides
	if v := os.Getenv("CRASHLOGD_STATUS_LISTEN"); v != "" {
		c.Status.Listen = v
	}

	// Daemon overrides
	if v := os.Getenv("CRASHLOGD_STATE_DIR"); v != "" {
		c.Daemon.StateDir = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		History:   c.History,
		Identity:  c.Identity,
		Watch:     c.Watch,
		Evidence:  c.Evidence,
		Generic:   c.Generic,
		Modem:     c.Modem,
		Netlink:   c.Netlink,
		Heartbeat: c.Heartbeat,
		Logging:   c.Logging,
		Notify:    c.Notify,
		Status:    c.Status,
		Index:     c.Index,
		Daemon:    c.Daemon,
	}

	if c.Storage.RootMaxSlots != nil {
		clone.Storage.RootMaxSlots = make(map[string]int, len(c.Storage.RootMaxSlots))
		for k, v := range c.Storage.RootMaxSlots {
			clone.Storage.RootMaxSlots[k] = v
		}
	}

	return clone
}

// SlotsFor returns the slot count for a root kind.
func (s StorageConfig) SlotsFor(kind string) int {
	if n, ok := s.RootMaxSlots[kind]; ok && n > 0 {
		return n
	}
	return s.MaxSlots
}

// SaveConfig writes cfg as TOML to path.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}

	cfg.mu.RLock()
	err = toml.NewEncoder(f).Encode(cfg)
	cfg.mu.RUnlock()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
