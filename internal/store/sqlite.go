package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"crashlogd/internal/history"
)

// ErrClosed is returned by operations on a closed or zero Index.
var ErrClosed = errors.New("store: index is closed")

// Index is the SQLite event index.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ history.Sink = (*Index)(nil)

// Open opens or creates the database at path and runs migrations.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the sink runs on the recording goroutine.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Index{db: db, logger: logger.With("component", "index")}, nil
}

// Close closes the database connection.
func (x *Index) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Send indexes e. Re-sent keys replace the earlier row.
func (x *Index) Send(ctx context.Context, e history.Entry) error {
	return x.Insert(ctx, FromEntry(e))
}

// FromEntry converts a history entry.
func FromEntry(e history.Entry) Event {
	return Event{
		Key:        e.Key,
		Name:       e.Name,
		Type:       e.Type,
		Path:       e.Path,
		Uptime:     e.Uptime,
		Data:       strings.Join(e.Data, " "),
		RecordedAt: e.Time,
		Line:       e.Line(),
	}
}

const insertEvent = `
	INSERT OR REPLACE INTO events (key, name, type, recorded_at, line, path, uptime, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Insert adds or replaces one event.
func (x *Index) Insert(ctx context.Context, ev Event) error {
	if x.db == nil {
		return ErrClosed
	}
	_, err := x.db.ExecContext(ctx, insertEvent,
		ev.Key, ev.Name, ev.Type, ev.RecordedAt.Unix(), ev.Line, ev.Path, ev.Uptime, ev.Data)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Key, err)
	}
	return nil
}

// Query returns the events matching f, oldest first.
func (x *Index) Query(ctx context.Context, f Filter) ([]Event, error) {
	if x.db == nil {
		return nil, ErrClosed
	}
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, f.Until.Unix())
	}

	q := "SELECT key, name, type, recorded_at, line, path, uptime, data FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY recorded_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var at int64
		if err := rows.Scan(&ev.Key, &ev.Name, &ev.Type, &at, &ev.Line, &ev.Path, &ev.Uptime, &ev.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.RecordedAt = time.Unix(at, 0)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Get returns the event with key.
func (x *Index) Get(ctx context.Context, key string) (*Event, error) {
	if x.db == nil {
		return nil, ErrClosed
	}
	var ev Event
	var at int64
	err := x.db.QueryRowContext(ctx,
		"SELECT key, name, type, recorded_at, line, path, uptime, data FROM events WHERE key = ?", key).
		Scan(&ev.Key, &ev.Name, &ev.Type, &at, &ev.Line, &ev.Path, &ev.Uptime, &ev.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", key, err)
	}
	ev.RecordedAt = time.Unix(at, 0)
	return &ev, nil
}

// Count returns the number of indexed events.
func (x *Index) Count(ctx context.Context) (int64, error) {
	if x.db == nil {
		return 0, ErrClosed
	}
	var n int64
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Summarize counts events per name, most frequent first.
func (x *Index) Summarize(ctx context.Context) ([]Summary, error) {
	if x.db == nil {
		return nil, ErrClosed
	}
	rows, err := x.db.QueryContext(ctx,
		"SELECT name, COUNT(*) AS n FROM events GROUP BY name ORDER BY n DESC, name")
	if err != nil {
		return nil, fmt.Errorf("summarize events: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Name, &s.Count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rebuild replaces the index contents with the given ledger lines in one
// transaction. Lines that do not parse are skipped and counted.
func (x *Index) Rebuild(ctx context.Context, lines []string) (indexed, skipped int, err error) {
	if x.db == nil {
		return 0, 0, ErrClosed
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return 0, 0, fmt.Errorf("clear events: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, line := range lines {
		e, perr := history.ParseLine(line)
		if perr != nil {
			x.logger.Debug("skipping line", "error", perr)
			skipped++
			continue
		}
		ev := FromEntry(e)
		// Keep the ledger text verbatim.
		ev.Line = line
		if _, err := stmt.ExecContext(ctx,
			ev.Key, ev.Name, ev.Type, ev.RecordedAt.Unix(), ev.Line, ev.Path, ev.Uptime, ev.Data); err != nil {
			return 0, 0, fmt.Errorf("insert event %s: %w", ev.Key, err)
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	x.logger.Info("index rebuilt", "indexed", indexed, "skipped", skipped)
	return indexed, skipped, nil
}
