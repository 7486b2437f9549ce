package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashlogd/internal/history"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.Local)

func openTest(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func entry(name, typ, key string, offset time.Duration) history.Entry {
	return history.Entry{Name: name, Type: typ, Key: key, Time: base.Add(offset)}
}

func TestOpenMigrates(t *testing.T) {
	x := openTest(t)
	v, err := x.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	x, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, x.Send(context.Background(), entry("CRASH", "ANR", "k1", 0)))
	require.NoError(t, x.Close())

	x, err = Open(path, nil)
	require.NoError(t, err)
	defer x.Close()
	n, err := x.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSendAndGet(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()

	e := entry("CRASH", "TOMBSTONE", "k1", 0)
	e.Path = "/logs/crashlog3"
	e.Data = []string{"a", "b"}
	require.NoError(t, x.Send(ctx, e))

	got, err := x.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TOMBSTONE", got.Type)
	assert.Equal(t, "/logs/crashlog3", got.Path)
	assert.Equal(t, "a b", got.Data)
	assert.Equal(t, e.Line(), got.Line)
	assert.True(t, got.RecordedAt.Equal(e.Time))

	missing, err := x.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSendReplacesKey(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	require.NoError(t, x.Send(ctx, entry("CRASH", "ANR", "k1", 0)))
	require.NoError(t, x.Send(ctx, entry("CRASH", "WTF", "k1", 0)))

	n, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := x.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "WTF", got.Type)
}

func TestQuery(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	for _, e := range []history.Entry{
		entry("CRASH", "ANR", "k1", 0),
		entry("INFO", "APIMR", "k2", time.Minute),
		entry("CRASH", "TOMBSTONE", "k3", 2*time.Minute),
		entry("CRASH", "ANR", "k4", 3*time.Minute),
	} {
		require.NoError(t, x.Send(ctx, e))
	}

	keys := func(evs []Event) []string {
		var out []string
		for _, ev := range evs {
			out = append(out, ev.Key)
		}
		return out
	}

	all, err := x.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2", "k3", "k4"}, keys(all))

	crashes, err := x.Query(ctx, Filter{Name: "CRASH"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k3", "k4"}, keys(crashes))

	anr, err := x.Query(ctx, Filter{Type: "ANR", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"k4"}, keys(anr))

	window, err := x.Query(ctx, Filter{Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"k2", "k3"}, keys(window))

	sum, err := x.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Summary{{"CRASH", 3}, {"INFO", 1}}, sum)
}

func TestRebuild(t *testing.T) {
	x := openTest(t)
	ctx := context.Background()
	require.NoError(t, x.Send(ctx, entry("CRASH", "STALE", "old", 0)))

	lines := []string{
		entry("REBOOT", "SWUPDATE", "r1", 0).Line(),
		"garbage",
		entry("CRASH", "ANR", "c1", time.Second).Line(),
	}
	indexed, skipped, err := x.Rebuild(ctx, lines)
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 1, skipped)

	old, err := x.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)

	got, err := x.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, lines[2], got.Line)
}

func TestPartialSchemaIsCompleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	for _, stmt := range schema[0].stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	x, err := Open(path, nil)
	require.NoError(t, err)
	defer x.Close()
	v, err := x.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)
	require.NoError(t, x.Send(context.Background(), history.Entry{Name: "CRASH", Type: "ANR", Key: "k", Path: "/logs/crash/0", Time: base}))
}

func TestSchemaTooNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion()+1))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, nil)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestZeroIndexClosed(t *testing.T) {
	var x Index
	assert.ErrorIs(t, x.Insert(context.Background(), Event{}), ErrClosed)
	_, err := x.Query(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, x.Close())
}
