// Package inotify reads the kernel filesystem notification stream and
// dispatches each record.
//
// Records are a fixed 16 byte header followed by a NUL padded name. A read
// may end in the middle of a record; the reader then completes it with
// blocking reads on the same descriptor, relying on the kernel to deliver
// whole records per write.
package inotify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Mask bits. The values are those of <sys/inotify.h>.
const (
	MaskAccess     uint32 = 0x00000001
	MaskModify     uint32 = 0x00000002
	MaskAttrib     uint32 = 0x00000004
	MaskCloseWrite uint32 = 0x00000008
	MaskMovedFrom  uint32 = 0x00000040
	MaskMovedTo    uint32 = 0x00000080
	MaskCreate     uint32 = 0x00000100
	MaskDelete     uint32 = 0x00000200
	MaskDeleteSelf uint32 = 0x00000400
	MaskMoveSelf   uint32 = 0x00000800
	MaskQOverflow  uint32 = 0x00004000
	MaskIgnored    uint32 = 0x00008000
	MaskIsDir      uint32 = 0x40000000

	// MaskSelf covers the watched object itself going away.
	MaskSelf = MaskDeleteSelf | MaskMoveSelf
)

// HeaderSize is the size of struct inotify_event without its name.
const HeaderSize = 16

// maxNameLen bounds the declared name length of a sane record.
const maxNameLen = 4096

// Event is one decoded notification record.
type Event struct {
	WD     int32
	Mask   uint32
	Cookie uint32
	Name   string
}

// IsDir reports whether the subject of the event is a directory.
func (e Event) IsDir() bool { return e.Mask&MaskIsDir != 0 }

// IsSelf reports whether the watched object itself was deleted or moved.
func (e Event) IsSelf() bool { return e.Mask&MaskSelf != 0 }

func (e Event) String() string {
	return fmt.Sprintf("wd=%d mask=%s cookie=%d name=%q", e.WD, MaskString(e.Mask), e.Cookie, e.Name)
}

var maskNames = []struct {
	bit  uint32
	name string
}{
	{MaskAccess, "ACCESS"},
	{MaskModify, "MODIFY"},
	{MaskAttrib, "ATTRIB"},
	{MaskCloseWrite, "CLOSE_WRITE"},
	{MaskMovedFrom, "MOVED_FROM"},
	{MaskMovedTo, "MOVED_TO"},
	{MaskCreate, "CREATE"},
	{MaskDelete, "DELETE"},
	{MaskDeleteSelf, "DELETE_SELF"},
	{MaskMoveSelf, "MOVE_SELF"},
	{MaskQOverflow, "Q_OVERFLOW"},
	{MaskIgnored, "IGNORED"},
	{MaskIsDir, "ISDIR"},
}

// MaskString renders mask as a |-joined list of bit names.
func MaskString(mask uint32) string {
	var parts []string
	for _, m := range maskNames {
		if mask&m.bit != 0 {
			parts = append(parts, m.name)
			mask &^= m.bit
		}
	}
	if mask != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", mask))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// nameLen returns the declared name length of the header at the start of b.
func nameLen(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b[12:16])
}

// decode parses one complete record.
func decode(rec []byte) Event {
	ev := Event{
		WD:     int32(binary.NativeEndian.Uint32(rec[0:4])),
		Mask:   binary.NativeEndian.Uint32(rec[4:8]),
		Cookie: binary.NativeEndian.Uint32(rec[8:12]),
	}
	if n := nameLen(rec); n > 0 {
		ev.Name = nullTerminated(rec[HeaderSize : HeaderSize+int(n)])
	}
	return ev
}

// Encode renders ev as a kernel record with its name padded to pad bytes.
// It is the inverse of the reader's decoding and is used to build streams
// for replay and tests.
func Encode(ev Event, pad int) []byte {
	n := 0
	if ev.Name != "" {
		n = len(ev.Name) + 1
		if pad > 0 && n%pad != 0 {
			n += pad - n%pad
		}
	}
	rec := make([]byte, HeaderSize+n)
	binary.NativeEndian.PutUint32(rec[0:4], uint32(ev.WD))
	binary.NativeEndian.PutUint32(rec[4:8], ev.Mask)
	binary.NativeEndian.PutUint32(rec[8:12], ev.Cookie)
	binary.NativeEndian.PutUint32(rec[12:16], uint32(n))
	copy(rec[HeaderSize:], ev.Name)
	return rec
}

func nullTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
