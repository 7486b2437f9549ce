package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashlogd/internal/history"
	"crashlogd/internal/ipc"
	"crashlogd/internal/logging"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	require.NotNil(t, cmd)
	assert.Equal(t, "crashlogd", cmd.Use)
	assert.Equal(t, "1.2.3", cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("test")
	for _, name := range []string{"run", "stop", "status", "tail", "history", "reset", "key", "query", "reindex"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("test")

	f := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)

	f = cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, f)
	assert.Equal(t, "text", f.DefValue)

	f = cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, f)
	assert.Equal(t, "level", f.Value.Type())
}

func TestLevelFlag(t *testing.T) {
	var f levelFlag
	assert.Equal(t, "", f.String())
	require.NoError(t, f.Set("warn"))
	assert.True(t, f.set)
	assert.Equal(t, logging.LevelWarn, f.level)
	assert.Equal(t, "warn", f.String())
	assert.Error(t, f.Set("chatty"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand("test")
	cmd.SetArgs([]string{"--format", "xml", "history"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))

	err := fmt.Errorf("outer: %w", WrapExitError(ExitNotRunning, "status", errors.New("gone")))
	assert.Equal(t, ExitNotRunning, GetExitCode(err))
	assert.Equal(t, "outer: status: gone", err.Error())
}

func TestHistoryFilter(t *testing.T) {
	lines := []string{
		"CRASH   aaaaaaaaaaaaaaaaaaaa  2026-01-02/03:04:05 TOMBSTONE /logs/crash/0",
		"INFO    bbbbbbbbbbbbbbbbbbbb  2026-01-02/03:04:06 DUPLICATE x",
		"CRASH   cccccccccccccccccccc  2026-01-02/03:04:07 ANR /logs/crash/1",
		"not a history line",
	}

	assert.Len(t, HistoryFilter{}.Apply(lines), 4)
	assert.Equal(t, []string{lines[0], lines[2]}, HistoryFilter{Event: "crash"}.Apply(lines))
	assert.Equal(t, []string{lines[2]}, HistoryFilter{Event: "CRASH", Limit: 1}.Apply(lines))
	assert.Equal(t, []string{lines[1]}, HistoryFilter{Contains: "DUPLICATE"}.Apply(lines))
}

// writeConfig writes a TOML configuration rooted in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	doc := fmt.Sprintf(`version = 1

[storage]
base_dir = %[1]q

[history]
path = %[2]q
max_records = 50

[identity]
build = "test-build"
build_file = ""
uuid_file = %[3]q

[notify]
enabled = false

[index]
enabled = true
path = %[4]q

[daemon]
state_dir = %[5]q
`,
		filepath.Join(dir, "logs"),
		filepath.Join(dir, "logs", "history_event"),
		filepath.Join(dir, "uuid.txt"),
		filepath.Join(dir, "events.db"),
		filepath.Join(dir, "run"),
	)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func seedHistory(t *testing.T, path string) {
	t.Helper()
	log := history.New(history.Config{Path: path, MaxRecords: 50})
	defer log.Close()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	for i, e := range []history.Entry{
		{Name: "REBOOT", Type: "WATCHDOG"},
		{Name: "CRASH", Type: "TOMBSTONE", Path: "/logs/crash/0"},
		{Name: "CRASH", Type: "ANR", Path: "/logs/crash/1"},
	} {
		e.Key = strings.Repeat(fmt.Sprint(i), 20)
		e.Time = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, log.Append(e))
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand("test")
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	seedHistory(t, filepath.Join(dir, "logs", "history_event"))

	out, err := execute(t, "-c", cfgPath, "history", "--event", "CRASH")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "TOMBSTONE")
	assert.Contains(t, lines[1], "ANR")

	out, err = execute(t, "-c", cfgPath, "--format", "json", "history", "-n", "1")
	require.NoError(t, err)
	var resp struct {
		Status string        `json:"status"`
		Data   HistoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Count)
	assert.Contains(t, resp.Data.Entries[0], "ANR")
}

func TestResetCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	histPath := filepath.Join(dir, "logs", "history_event")
	seedHistory(t, histPath)

	out, err := execute(t, "-c", cfgPath, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "reset")

	out, err = execute(t, "-c", cfgPath, "history")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestKeyCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, "-c", cfgPath, "--format", "json", "key", "CRASH", "TOMBSTONE")
	require.NoError(t, err)
	var resp struct {
		Data KeyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data.Key, 20)
	assert.Equal(t, "test-build", resp.Data.Build)
	assert.Equal(t, "TOMBSTONE", resp.Data.Type)

	_, err = execute(t, "-c", cfgPath, "key")
	assert.Error(t, err)
}

func TestReindexAndQuery(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	seedHistory(t, filepath.Join(dir, "logs", "history_event"))

	out, err := execute(t, "-c", cfgPath, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 3 entries, skipped 0")

	out, err = execute(t, "-c", cfgPath, "query", "--event", "CRASH")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "TOMBSTONE")

	out, err = execute(t, "-c", cfgPath, "query", "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "EVENT")
	assert.Regexp(t, `CRASH\s+2`, out)
	assert.Regexp(t, `REBOOT\s+1`, out)
	assert.Regexp(t, `TOTAL\s+3`, out)
}

func TestStatusNotRunning(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	out, err := execute(t, "-c", cfgPath, "status")
	require.Error(t, err)
	assert.Equal(t, ExitNotRunning, GetExitCode(err))
	assert.Contains(t, out, "not running")
}

func TestStopNotRunning(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	_, err := execute(t, "-c", cfgPath, "stop")
	require.Error(t, err)
	assert.Equal(t, ExitNotRunning, GetExitCode(err))
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[history]\npath = \"relative\"\n"), 0o644))

	_, err := execute(t, "-c", path, "history")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

type fakeSource struct {
	events chan *ipc.EventRecorded
	done   chan struct{}
}

func (f *fakeSource) Events() <-chan *ipc.EventRecorded { return f.events }
func (f *fakeSource) Done() <-chan struct{}             { return f.done }

func TestTailPrintsEvents(t *testing.T) {
	src := &fakeSource{events: make(chan *ipc.EventRecorded, 2), done: make(chan struct{})}
	src.events <- &ipc.EventRecorded{Name: "CRASH", Line: "CRASH line one"}
	src.events <- &ipc.EventRecorded{Name: "INFO", Line: "INFO line two"}
	close(src.done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	buf := &bytes.Buffer{}
	errc := make(chan error, 1)
	go func() { errc <- tail(ctx, src, Output{Format: "text", W: buf}) }()

	err := <-errc
	// Events queued before the close may or may not be printed first.
	assert.Equal(t, ExitNotRunning, GetExitCode(err))
}

func TestTailStopsOnCancel(t *testing.T) {
	src := &fakeSource{events: make(chan *ipc.EventRecorded, 1), done: make(chan struct{})}
	src.events <- &ipc.EventRecorded{Name: "CRASH", Line: "CRASH line"}

	ctx, cancel := context.WithCancel(context.Background())
	buf := &bytes.Buffer{}
	errc := make(chan error, 1)
	go func() { errc <- tail(ctx, src, Output{Format: "json", W: buf}) }()

	require.Eventually(t, func() bool { return len(src.events) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	var resp struct {
		Status string            `json:"status"`
		Data   ipc.EventRecorded `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "CRASH", resp.Data.Name)
}
