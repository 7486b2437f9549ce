//go:build linux

package inotify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestConstantsMatchKernel(t *testing.T) {
	assert.Equal(t, unix.SizeofInotifyEvent, HeaderSize)
	assert.Equal(t, uint32(unix.IN_CLOSE_WRITE), MaskCloseWrite)
	assert.Equal(t, uint32(unix.IN_MOVED_FROM), MaskMovedFrom)
	assert.Equal(t, uint32(unix.IN_MOVED_TO), MaskMovedTo)
	assert.Equal(t, uint32(unix.IN_CREATE), MaskCreate)
	assert.Equal(t, uint32(unix.IN_DELETE_SELF), MaskDeleteSelf)
	assert.Equal(t, uint32(unix.IN_MOVE_SELF), MaskMoveSelf)
	assert.Equal(t, uint32(unix.IN_IGNORED), MaskIgnored)
	assert.Equal(t, uint32(unix.IN_Q_OVERFLOW), MaskQOverflow)
	assert.Equal(t, uint32(unix.IN_ISDIR), MaskIsDir)
}

func TestInstanceDeliversEvents(t *testing.T) {
	in, err := Open()
	require.NoError(t, err)
	defer in.Close()

	dir := t.TempDir()
	wd, err := in.AddWatch(dir, MaskCloseWrite)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "anr_test"), []byte("x"), 0o644))

	res := &fakeResolver{}
	require.NoError(t, NewReader(in, Config{Resolver: res}).Pump(context.Background()))
	require.NotEmpty(t, res.events)
	assert.Equal(t, int32(wd), res.events[0].WD)
	assert.Equal(t, "anr_test", res.events[0].Name)
	assert.NotZero(t, res.events[0].Mask&MaskCloseWrite)
}
