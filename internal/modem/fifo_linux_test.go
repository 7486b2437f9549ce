//go:build linux

package modem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFODeliversMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdm_fifo")
	f, err := OpenFIFO(path)
	require.NoError(t, err)
	defer f.Close()

	// Opening again reuses the existing pipe.
	g, err := OpenFIFO(path)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Write(Message{Type: "MPANIC", Data: "assert"}.Encode())
	require.NoError(t, err)

	rec := &fakeRecorder{}
	ch := New(f, f.FD(), Config{Recorder: rec})
	require.NoError(t, ch.Pump(context.Background()))
	require.Len(t, rec.records, 1)
	assert.Equal(t, "MPANIC", rec.records[0].Type)

	n, err := f.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestOpenFIFORejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := OpenFIFO(path)
	assert.Error(t, err)
}
