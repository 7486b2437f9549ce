package history

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)

func fixedUptime(d time.Duration) func() (time.Duration, error) {
	return func() (time.Duration, error) { return d, nil }
}

func newTestLog(t *testing.T, max int) *Log {
	t.Helper()
	return New(Config{
		Path:       filepath.Join(t.TempDir(), "history_event"),
		MaxRecords: max,
		Uptime:     fixedUptime(3*time.Hour + 25*time.Minute + 7*time.Second),
	})
}

func entry(i int) Entry {
	return Entry{
		Name: "ANR",
		Type: "ANR",
		Key:  fmt.Sprintf("%020d", i),
		Path: fmt.Sprintf("/logs/crashlog%d", i),
		Time: testTime,
	}
}

func readFile(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestEntryLine(t *testing.T) {
	e := Entry{
		Name: "ANR",
		Key:  "0123456789abcdef0123",
		Time: testTime,
		Type: "ANR",
		Path: "/logs/crashlog0",
	}
	assert.Equal(t,
		"ANR     0123456789abcdef0123  2024-03-01/12:34:56 ANR /logs/crashlog0",
		e.Line())

	info := Entry{
		Name:   "INFO",
		Key:    "ffffffffffffffffffff",
		Time:   testTime,
		Type:   "DUPLICATE",
		Uptime: "0001:00:00",
		Data:   []string{"a.txt", "b.txt"},
	}
	assert.Equal(t,
		"INFO    ffffffffffffffffffff  2024-03-01/12:34:56 DUPLICATE 0001:00:00 a.txt b.txt",
		info.Line())
}

func TestAppendCreatesHeader(t *testing.T) {
	l := newTestLog(t, 10)
	require.NoError(t, l.Append(entry(0)))

	lines := readFile(t, l.Path())
	require.Len(t, lines, 3)
	assert.Equal(t, "#V1.0 CURRENTUPTIME   0003:25:07              ", lines[0])
	assert.Equal(t, columnsLine, lines[1])
	assert.Equal(t, entry(0).Line(), lines[2])
}

func TestAppendBoundAndOrder(t *testing.T) {
	const max = 5

	for n := 0; n <= 3*max; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			l := newTestLog(t, max)
			for i := 0; i < n; i++ {
				require.NoError(t, l.Append(entry(i)))
			}

			start := n - max
			if start < 0 {
				start = 0
			}
			var want []string
			for i := start; i < n; i++ {
				want = append(want, entry(i).Line())
			}

			if n == 0 {
				assert.NoFileExists(t, l.Path())
				return
			}
			body := readFile(t, l.Path())[headerLines:]
			assert.LessOrEqual(t, len(body), max)
			assert.Equal(t, want, body)

			got, err := l.Entries()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestHasEventEviction(t *testing.T) {
	l := newTestLog(t, 3)

	require.NoError(t, l.Append(entry(0)))
	assert.True(t, l.HasEvent("crashlog0"))
	assert.False(t, l.HasEvent("crashlog1"))

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Append(entry(i)))
	}
	assert.False(t, l.HasEvent("crashlog0"))
	assert.True(t, l.HasEvent("crashlog1"))
	assert.True(t, l.HasEvent("crashlog3"))
}

func TestResumeFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history_event")
	first := New(Config{Path: path, MaxRecords: 4, Uptime: fixedUptime(time.Minute)})
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Append(entry(i)))
	}

	second := New(Config{Path: path, MaxRecords: 4, Uptime: fixedUptime(time.Minute)})
	require.NoError(t, second.Append(entry(3)))
	require.NoError(t, second.Append(entry(4)))

	got, err := second.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{entry(1).Line(), entry(2).Line(), entry(3).Line(), entry(4).Line()}, got)
	assert.Len(t, readFile(t, path), headerLines+4)
}

func TestLoadTrimsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history_event")
	big := New(Config{Path: path, MaxRecords: 10, Uptime: fixedUptime(time.Minute)})
	for i := 0; i < 8; i++ {
		require.NoError(t, big.Append(entry(i)))
	}

	small := New(Config{Path: path, MaxRecords: 3, Uptime: fixedUptime(time.Minute)})
	got, err := small.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{entry(5).Line(), entry(6).Line(), entry(7).Line()}, got)
	assert.Len(t, readFile(t, path), headerLines+3)
}

func TestResyncAfterFileRemoved(t *testing.T) {
	l := newTestLog(t, 5)
	require.NoError(t, l.Append(entry(0)))
	require.NoError(t, l.Append(entry(1)))

	require.NoError(t, os.Remove(l.Path()))
	require.NoError(t, l.Append(entry(2)))

	lines := readFile(t, l.Path())
	assert.Equal(t, []string{entry(2).Line()}, lines[headerLines:])
	assert.False(t, l.HasEvent("crashlog0"))
}

func TestResyncAfterTruncation(t *testing.T) {
	l := newTestLog(t, 5)
	require.NoError(t, l.Append(entry(1)))

	require.NoError(t, os.Truncate(l.Path(), 0))
	require.NoError(t, l.Append(entry(2)))
	require.NoError(t, l.Append(entry(3)))

	lines := readFile(t, l.Path())
	require.Len(t, lines, headerLines+2)
	assert.True(t, strings.HasPrefix(lines[0], versionTag))
	assert.Equal(t, columnsLine, lines[1])
	assert.False(t, l.HasEvent("crashlog1"))

	reopened := New(Config{Path: l.Path(), MaxRecords: 5, Uptime: fixedUptime(time.Minute)})
	got, err := reopened.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{entry(2).Line(), entry(3).Line()}, got)
}

func TestLoadRestoresMissingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history_event")
	body := entry(1).Line() + "\n" + entry(2).Line() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	l := New(Config{Path: path, MaxRecords: 5, Uptime: fixedUptime(time.Minute)})
	got, err := l.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{entry(1).Line(), entry(2).Line()}, got)

	require.NoError(t, l.UpdateUptime())
	lines := readFile(t, path)
	require.Len(t, lines, headerLines+2)
	assert.True(t, strings.HasPrefix(lines[0], versionTag))
	assert.Equal(t, entry(1).Line(), lines[headerLines])
}

func TestLineStaysOnOneLine(t *testing.T) {
	e := Entry{Name: "INFO", Key: "k", Type: "DUPLICATE", Time: testTime,
		Path: "/logs/a\rb", Data: []string{"a\nb\nc", "x\ty"}}
	line := e.Line()
	assert.NotContains(t, line, "\n")
	assert.NotContains(t, line, "\r")
	assert.Contains(t, line, "/logs/a?b a?b?c x?y")

	l := newTestLog(t, 2)
	require.NoError(t, l.Append(e))
	require.NoError(t, l.Append(entry(1)))
	assert.Len(t, readFile(t, l.Path()), headerLines+2)

	reopened := New(Config{Path: l.Path(), MaxRecords: 2, Uptime: fixedUptime(time.Minute)})
	got, err := reopened.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{line, entry(1).Line()}, got)
}

func TestReset(t *testing.T) {
	l := newTestLog(t, 5)
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Append(entry(i)))
	}

	require.NoError(t, l.Reset())
	assert.Len(t, readFile(t, l.Path()), headerLines)
	assert.False(t, l.HasEvent("crashlog"))

	require.NoError(t, l.Append(entry(9)))
	got, err := l.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{entry(9).Line()}, got)
}

func TestUpdateUptime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history_event")
	up := time.Hour
	l := New(Config{Path: path, MaxRecords: 5, Uptime: func() (time.Duration, error) { return up, nil }})
	require.NoError(t, l.Append(entry(0)))

	up = 1234*time.Hour + 5*time.Minute + 6*time.Second
	require.NoError(t, l.UpdateUptime())

	lines := readFile(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, "#V1.0 CURRENTUPTIME   1234:05:06              ", lines[0])
	assert.Equal(t, entry(0).Line(), lines[2])
}

func TestUptimeFailureKeepsLastValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history_event")
	fail := false
	l := New(Config{Path: path, MaxRecords: 5, Uptime: func() (time.Duration, error) {
		if fail {
			return 0, errors.New("no clock")
		}
		return 2 * time.Hour, nil
	}})
	require.NoError(t, l.Append(entry(0)))

	fail = true
	require.NoError(t, l.UpdateUptime())
	assert.Contains(t, readFile(t, path)[0], "0002:00:00")
}

func TestClosed(t *testing.T) {
	l := newTestLog(t, 5)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(entry(0)), ErrClosed)
	assert.ErrorIs(t, l.Reset(), ErrClosed)
}

func TestWriteErrorOnBadDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	l := New(Config{Path: filepath.Join(blocker, "history_event"), Uptime: fixedUptime(0)})
	err := l.Append(entry(0))

	var we *WriteError
	require.True(t, errors.As(err, &we))
}

func TestSinksReceiveEntries(t *testing.T) {
	l := newTestLog(t, 5)

	var mu sync.Mutex
	var got []string
	l.AddSink(SinkFunc(func(_ context.Context, e Entry) error {
		mu.Lock()
		got = append(got, e.Key)
		mu.Unlock()
		return nil
	}))
	l.AddSink(SinkFunc(func(context.Context, Entry) error {
		return errors.New("sink down")
	}))

	require.NoError(t, l.Append(entry(1)))
	require.NoError(t, l.Append(entry(2)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{entry(1).Key, entry(2).Key}, got)
}

func TestConcurrentAppends(t *testing.T) {
	l := newTestLog(t, 50)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, l.Append(entry(w*100+i)))
			}
		}(w)
	}
	wg.Wait()

	body := readFile(t, l.Path())[headerLines:]
	assert.Len(t, body, 50)
	got, err := l.Entries()
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestGoldenLayout(t *testing.T) {
	l := newTestLog(t, 3)
	entries := []Entry{
		{Name: "ANR", Type: "ANR", Key: "a1b2c3d4e5f60718293a", Path: "/logs/crashlog0", Time: testTime},
		{Name: "TOMBSTONE", Type: "TOMBSTONE", Key: "00112233445566778899", Path: "/logs/crashlog1", Time: testTime.Add(time.Second)},
		{Name: "REBOOT", Type: "SWUPDATE", Key: "ffeeddccbbaa99887766", Uptime: "0000:01:02", Time: testTime.Add(time.Minute)},
		{Name: "INFO", Type: "DUPLICATE", Key: "0f0f0f0f0f0f0f0f0f0f", Data: []string{"aplogs_old", "aplogs_new", "2024-03-01/12:00:00"}, Time: testTime.Add(time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, l.Append(e))
	}

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "crashlog0"))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "history_event", data)
}
