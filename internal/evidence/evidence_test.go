package evidence

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCopyFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "anr_1.txt")
	writeFile(t, src, []byte("trace"))
	dst := t.TempDir()

	c := New(Config{})
	out, err := c.CopyFile(src, dst, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "anr_1.txt"), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "trace", string(data))

	renamed, err := c.CopyFile(src, dst, "anr_renamed")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "anr_renamed"), renamed)
}

func TestCopyFileKeepsTail(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.log")
	writeFile(t, src, []byte("0123456789abcdef"))

	c := New(Config{MaxCopyBytes: 6})
	out, err := c.CopyFile(src, t.TempDir(), "")
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestCopyFileCompresses(t *testing.T) {
	payload := bytes.Repeat([]byte("tombstone "), 200)
	src := filepath.Join(t.TempDir(), "tombstone_00")
	writeFile(t, src, payload)

	c := New(Config{CompressThreshold: 1024})
	out, err := c.CopyFile(src, t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, ".gz", filepath.Ext(out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "tombstone_00", zr.Name)
}

func TestCopyFileErrors(t *testing.T) {
	c := New(Config{})
	_, err := c.CopyFile(filepath.Join(t.TempDir(), "missing"), t.TempDir(), "")
	assert.Error(t, err)

	_, err = c.CopyFile(t.TempDir(), t.TempDir(), "dir")
	assert.Error(t, err)
}

func TestCopyDirAsync(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.log"), []byte("a"))
	writeFile(t, filepath.Join(src, "sub", "b.log"), []byte("bb"))
	dst := filepath.Join(t.TempDir(), "aplogs_0")

	c := New(Config{BulkWorkers: 1})

	var mu sync.Mutex
	var total int64
	var copyErr error
	require.NoError(t, c.CopyDirAsync(context.Background(), src, dst, func(n int64, err error) {
		mu.Lock()
		total, copyErr = n, err
		mu.Unlock()
	}))
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, copyErr)
	assert.Equal(t, int64(3), total)
	assert.FileExists(t, filepath.Join(dst, "a.log"))
	assert.FileExists(t, filepath.Join(dst, "sub", "b.log"))

	assert.ErrorIs(t, c.CopyDirAsync(context.Background(), src, dst, nil), ErrClosed)
}

func TestCopyDirAsyncCancelled(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.log"), []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Config{})
	done := make(chan error, 1)
	require.NoError(t, c.CopyDirAsync(ctx, src, t.TempDir(), func(_ int64, err error) { done <- err }))
	c.Wait()
	assert.Error(t, <-done)
}
