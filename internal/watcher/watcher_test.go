package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashlogd/internal/inotify"
)

type fakeNotifier struct {
	next  int
	calls map[string]uint32
	fail  map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{next: 1, calls: map[string]uint32{}, fail: map[string]bool{}}
}

func (f *fakeNotifier) AddWatch(path string, mask uint32) (int, error) {
	if f.fail[path] {
		return -1, errors.New("no such directory")
	}
	f.calls[path] = mask
	wd := f.next
	f.next++
	return wd, nil
}

type recorder struct {
	hits []string
}

func (r *recorder) handler(tag string) Handler {
	return func(_ context.Context, e *Entry, ev inotify.Event) error {
		r.hits = append(r.hits, tag+":"+ev.Name)
		return nil
	}
}

func TestRegisterDedupsByDirectory(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(
		Entry{Name: "ANR", Dir: dir, Pattern: "anr", Mask: inotify.MaskCloseWrite},
		Entry{Name: "TOMBSTONE", Dir: dir, Pattern: "tombstone", Mask: inotify.MaskMovedTo},
		Entry{Name: "STATS", Dir: other, Mask: inotify.MaskCreate},
	))

	n := newFakeNotifier()
	require.NoError(t, reg.Register(n))

	assert.Len(t, n.calls, 2)
	assert.Equal(t, inotify.MaskCloseWrite|inotify.MaskMovedTo, n.calls[dir])

	entries := reg.Entries()
	assert.Equal(t, entries[0].WD, entries[1].WD)
	assert.NotEqual(t, entries[0].WD, entries[2].WD)
}

func TestRegisterReportsFailures(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(
		Entry{Name: "A", Dir: "/missing", Mask: inotify.MaskCreate},
		Entry{Name: "B", Dir: "/present", Mask: inotify.MaskCreate},
	))

	n := newFakeNotifier()
	n.fail["/missing"] = true
	assert.Error(t, reg.Register(n))

	entries := reg.Entries()
	assert.Equal(t, -1, entries[0].WD)
	assert.Equal(t, 1, entries[1].WD)
}

func TestAddAfterFreeze(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Freeze()
	assert.ErrorIs(t, reg.Add(Entry{Name: "X", Dir: "/tmp"}), ErrFrozen)
}

func TestResolveOrderAndPattern(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(
		Entry{Name: "SPECIFIC", Dir: "/d", Pattern: "anr_system", Mask: inotify.MaskCloseWrite},
		Entry{Name: "GENERAL", Dir: "/d", Pattern: "anr", Mask: inotify.MaskCloseWrite},
		Entry{Name: "ANY", Dir: "/d", Mask: inotify.MaskCloseWrite},
	))
	require.NoError(t, reg.Register(newFakeNotifier()))

	e, ok := reg.Resolve(1, "anr_system_server.txt")
	require.True(t, ok)
	assert.Equal(t, "SPECIFIC", e.Name)

	e, ok = reg.Resolve(1, "anr_app.txt")
	require.True(t, ok)
	assert.Equal(t, "GENERAL", e.Name)

	e, ok = reg.Resolve(1, "other")
	require.True(t, ok)
	assert.Equal(t, "ANY", e.Name)

	_, ok = reg.Resolve(7, "anr")
	assert.False(t, ok)
}

func TestDispatchHonoursMask(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(
		Entry{Name: "W", Dir: "/d", Pattern: "log", Mask: inotify.MaskCloseWrite, Handler: rec.handler("w")},
		Entry{Name: "M", Dir: "/d", Pattern: "log", Mask: inotify.MaskMovedTo, Handler: rec.handler("m")},
	))
	require.NoError(t, reg.Register(newFakeNotifier()))

	ok, err := reg.Dispatch(context.Background(), inotify.Event{WD: 1, Mask: inotify.MaskMovedTo, Name: "log1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Dispatch(context.Background(), inotify.Event{WD: 1, Mask: inotify.MaskCreate, Name: "log2"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Dispatch(context.Background(), inotify.Event{WD: 1, Mask: inotify.MaskCloseWrite, Name: "nomatch"})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"m:log1"}, rec.hits)
}

func TestDispatchHandlerError(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(Entry{
		Name: "BAD", Dir: "/d", Mask: inotify.MaskCloseWrite,
		Handler: func(context.Context, *Entry, inotify.Event) error { return errors.New("boom") },
	}))
	require.NoError(t, reg.Register(newFakeNotifier()))

	ok, err := reg.Dispatch(context.Background(), inotify.Event{WD: 1, Mask: inotify.MaskCloseWrite, Name: "x"})
	assert.True(t, ok)
	assert.ErrorContains(t, err, "boom")
}

func TestSharedDirectoryRecreate(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "logs")
	require.NoError(t, os.Mkdir(dir, 0o755))

	rec := &recorder{}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(
		Entry{Name: "ANR", Dir: dir, Pattern: "anr", Mask: inotify.MaskCloseWrite | inotify.MaskSelf, Handler: rec.handler("anr")},
		Entry{Name: "TOMB", Dir: dir, Pattern: "tombstone", Mask: inotify.MaskCloseWrite | inotify.MaskSelf, Handler: rec.handler("tomb")},
	))
	n := newFakeNotifier()
	require.NoError(t, reg.Register(n))

	ctx := context.Background()
	dispatch := func(wd int, name string) {
		ok, err := reg.Dispatch(ctx, inotify.Event{WD: int32(wd), Mask: inotify.MaskCloseWrite, Name: name})
		require.NoError(t, err)
		require.True(t, ok, name)
	}
	dispatch(1, "anr_1")
	dispatch(1, "tombstone_1")

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, reg.OnSelfEvent(1))
	assert.DirExists(t, dir)

	for _, e := range reg.Entries() {
		assert.Equal(t, 2, e.WD)
	}
	_, ok := reg.Resolve(1, "anr_2")
	assert.False(t, ok)

	dispatch(2, "anr_2")
	dispatch(2, "tombstone_2")
	assert.Equal(t, []string{"anr:anr_1", "tomb:tombstone_1", "anr:anr_2", "tomb:tombstone_2"}, rec.hits)
}

func TestOnSelfEventFileTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "status")
	reg := NewRegistry(nil)
	require.NoError(t, reg.Add(Entry{Name: "F", Dir: path, File: true, Mask: inotify.MaskCloseWrite}))
	require.NoError(t, reg.Register(newFakeNotifier()))

	require.NoError(t, reg.OnSelfEvent(1))
	assert.FileExists(t, path)
}

func TestOnSelfEventUnknown(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(newFakeNotifier()))
	assert.ErrorIs(t, reg.OnSelfEvent(42), ErrUnknownWatch)
}
