package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaTooNew is returned when the database was written by a newer
// crashlogd. The index can be deleted and rebuilt from the ledger.
var ErrSchemaTooNew = errors.New("store: index schema is newer than supported")

// schema steps are applied in order; the database's user_version records
// how many have run.
var schema = []struct {
	name  string
	stmts []string
}{
	{
		name: "events mirror of the history ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS events (
				key         TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				type        TEXT NOT NULL,
				recorded_at INTEGER NOT NULL,
				line        TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_name ON events(name, recorded_at)`,
			`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, recorded_at)`,
			`CREATE INDEX IF NOT EXISTS idx_events_time ON events(recorded_at)`,
		},
	},
	{
		name: "evidence path, uptime and data columns",
		stmts: []string{
			`ALTER TABLE events ADD COLUMN path TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE events ADD COLUMN uptime TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE events ADD COLUMN data TEXT NOT NULL DEFAULT ''`,
		},
	},
}

// SchemaVersion is the version this build writes.
func SchemaVersion() int { return len(schema) }

func userVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate brings db up to SchemaVersion. Each step commits together with
// its version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(schema) {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaTooNew, current, len(schema))
	}
	for v := current; v < len(schema); v++ {
		step := schema[v]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("schema %d: %w", v+1, err)
		}
		for _, stmt := range step.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("schema %d (%s): %w", v+1, step.name, err)
			}
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("schema %d: set version: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("schema %d: commit: %w", v+1, err)
		}
	}
	return nil
}

// Schema returns the version recorded in the open database.
func (x *Index) Schema(ctx context.Context) (int, error) {
	if x.db == nil {
		return 0, ErrClosed
	}
	return userVersion(ctx, x.db)
}
