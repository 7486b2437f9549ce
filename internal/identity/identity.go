// Package identity derives the short hexadecimal keys that tag every
// recorded event.
//
// A key is the first 10 bytes of SHA-1 over the build fingerprint, the
// device UUID, the event name, the event type and the current uptime in
// nanoseconds. Uniqueness rests on the uptime counter never repeating for
// identical inputs within one boot; there is no sequence counter.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crashlogd/internal/sysinfo"
)

// KeyLength is the number of hex characters in a key.
const KeyLength = 20

// Generator produces event keys. It is immutable after construction and
// safe for concurrent use.
type Generator struct {
	build  string
	uuid   string
	uptime sysinfo.UptimeFunc
	start  time.Time
}

// New returns a Generator. A nil uptime source selects sysinfo.Uptime.
func New(build, deviceUUID string, uptime sysinfo.UptimeFunc) *Generator {
	if uptime == nil {
		uptime = sysinfo.Uptime
	}
	return &Generator{
		build:  build,
		uuid:   deviceUUID,
		uptime: uptime,
		start:  time.Now(),
	}
}

// Build returns the build fingerprint mixed into every key.
func (g *Generator) Build() string { return g.build }

// UUID returns the device UUID mixed into every key.
func (g *Generator) UUID() string { return g.uuid }

// MakeKey returns a 20 hex character key for the event.
//
// When the uptime source fails the key is still produced from the time
// elapsed since the generator was built.
func (g *Generator) MakeKey(event, typ string) string {
	up, err := g.uptime()
	if err != nil {
		up = time.Since(g.start)
	}
	return Key(g.build, g.uuid, event, typ, up)
}

// Key is the pure form of MakeKey.
func Key(build, deviceUUID, event, typ string, uptime time.Duration) string {
	var b strings.Builder
	b.WriteString(build)
	b.WriteString(deviceUUID)
	b.WriteString(event)
	b.WriteString(typ)
	b.WriteString(strconv.FormatInt(int64(uptime), 10))

	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:KeyLength/2])
}

// LoadOrCreateUUID reads the device UUID stored at path, generating and
// persisting a new random one when the file is absent or empty.
func LoadOrCreateUUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read uuid: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("create uuid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0640); err != nil {
		return "", fmt.Errorf("write uuid: %w", err)
	}
	return id, nil
}

// BuildFingerprint returns the first non-empty line of the file at path,
// or fallback when the file cannot be read.
func BuildFingerprint(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return fallback
}
