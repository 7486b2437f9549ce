package heartbeat

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest       = "org.freedesktop.systemd1"
	systemdPath       = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdGetUnit    = "org.freedesktop.systemd1.Manager.GetUnit"
	unitActiveState   = "org.freedesktop.systemd1.Unit.ActiveState"
	errNoSuchUnitName = "org.freedesktop.systemd1.NoSuchUnit"
)

// SystemdChecker asks systemd over the system bus for a unit's state.
type SystemdChecker struct {
	conn *dbus.Conn
}

// NewSystemdChecker opens a private system bus connection.
func NewSystemdChecker() (*SystemdChecker, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &SystemdChecker{conn: conn}, nil
}

// Active reports whether the unit's ActiveState is "active". A unit
// systemd has not loaded counts as inactive.
func (c *SystemdChecker) Active(ctx context.Context, unit string) (bool, error) {
	var path dbus.ObjectPath
	err := c.conn.Object(systemdDest, systemdPath).
		CallWithContext(ctx, systemdGetUnit, 0, unit).
		Store(&path)
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == errNoSuchUnitName {
			return false, nil
		}
		return false, fmt.Errorf("get unit %s: %w", unit, err)
	}

	v, err := c.conn.Object(systemdDest, path).GetProperty(unitActiveState)
	if err != nil {
		return false, fmt.Errorf("active state of %s: %w", unit, err)
	}
	state, ok := v.Value().(string)
	if !ok {
		return false, fmt.Errorf("active state of %s: unexpected %s", unit, v.Signature())
	}
	return state == "active", nil
}

// Close closes the bus connection.
func (c *SystemdChecker) Close() error {
	return c.conn.Close()
}
