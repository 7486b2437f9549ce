//go:build !linux

package inotify

import "errors"

var ErrUnsupported = errors.New("inotify: not supported on this platform")

// Instance is unavailable off Linux.
type Instance struct{}

func Open() (*Instance, error) { return nil, ErrUnsupported }

func (in *Instance) FD() int { return -1 }

func (in *Instance) AddWatch(path string, mask uint32) (int, error) { return -1, ErrUnsupported }

func (in *Instance) RemoveWatch(wd int) error { return ErrUnsupported }

func (in *Instance) Read(p []byte) (int, error) { return 0, ErrUnsupported }

func (in *Instance) Close() error { return nil }
