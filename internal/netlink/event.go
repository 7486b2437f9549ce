// Package netlink receives kernel crash-tool events over a netlink socket
// and records their header fields.
package netlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"crashlogd/internal/collector"
)

// Netlink message header and crash-tool event layout.
const (
	nlmsgHeaderLen = 16
	nlmsgAlignTo   = 4

	submitterLen = 16
	nameLen      = 16
	dataFields   = 6
	dataLen      = 64

	// EventHeaderSize is timestamp, attachment size, flags and type
	// followed by the fixed strings.
	EventHeaderSize = 8 + 4 + 4 + 4 + submitterLen + nameLen + dataFields*dataLen
)

// Message types.
const (
	msgEvent  = 0
	msgSetPID = 4200
)

// EventType is the crash-tool event class.
type EventType uint32

const (
	TypeStat EventType = iota
	TypeInfo
	TypeError
	TypeCrash
)

func (t EventType) String() string {
	switch t {
	case TypeStat:
		return "STAT"
	case TypeInfo:
		return "INFO"
	case TypeError:
		return "ERROR"
	case TypeCrash:
		return "CRASH"
	}
	return fmt.Sprintf("TYPE%d", uint32(t))
}

var (
	ErrTruncated = errors.New("netlink: truncated message")
	ErrBadLength = errors.New("netlink: bad message length")
)

// Event is the decoded header of one crash-tool event. Attachments are
// counted but not parsed.
type Event struct {
	Timestamp      uint64
	AttachmentSize uint32
	Flags          uint32
	Type           EventType
	Submitter      string
	Name           string
	Data           [dataFields]string
}

// Record maps ev to a history record: the class picks the event name and
// the type column is KCT_<NAME>.
func (ev Event) Record() collector.Record {
	name := collector.EventInfo
	switch ev.Type {
	case TypeCrash:
		name = collector.EventCrash
	case TypeError:
		name = collector.EventError
	case TypeStat:
		name = collector.EventStats
	}

	typ := strings.ToUpper(strings.TrimSpace(ev.Name))
	if typ == "" {
		typ = ev.Type.String()
	}
	rec := collector.Record{Name: name, Type: "KCT_" + typ}
	if ev.Submitter != "" {
		rec.Data = append(rec.Data, ev.Submitter)
	}
	for _, d := range ev.Data {
		if d != "" {
			rec.Data = append(rec.Data, d)
		}
	}
	return rec
}

// DecodeEvent parses the crash-tool header at the start of b.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) < EventHeaderSize {
		return Event{}, fmt.Errorf("%w: event header %d < %d", ErrTruncated, len(b), EventHeaderSize)
	}
	ev := Event{
		Timestamp:      binary.NativeEndian.Uint64(b[0:8]),
		AttachmentSize: binary.NativeEndian.Uint32(b[8:12]),
		Flags:          binary.NativeEndian.Uint32(b[12:16]),
		Type:           EventType(binary.NativeEndian.Uint32(b[16:20])),
	}
	off := 20
	ev.Submitter = cString(b[off : off+submitterLen])
	off += submitterLen
	ev.Name = cString(b[off : off+nameLen])
	off += nameLen
	for i := range ev.Data {
		ev.Data[i] = cString(b[off : off+dataLen])
		off += dataLen
	}
	return ev, nil
}

// EncodeEvent renders ev with attachment bytes appended.
func EncodeEvent(ev Event, attachment []byte) []byte {
	b := make([]byte, EventHeaderSize, EventHeaderSize+len(attachment))
	binary.NativeEndian.PutUint64(b[0:8], ev.Timestamp)
	binary.NativeEndian.PutUint32(b[8:12], uint32(len(attachment)))
	binary.NativeEndian.PutUint32(b[12:16], ev.Flags)
	binary.NativeEndian.PutUint32(b[16:20], uint32(ev.Type))
	off := 20
	copy(b[off:off+submitterLen-1], ev.Submitter)
	off += submitterLen
	copy(b[off:off+nameLen-1], ev.Name)
	off += nameLen
	for _, d := range ev.Data {
		copy(b[off:off+dataLen-1], d)
		off += dataLen
	}
	return append(b, attachment...)
}

// Message is one netlink message.
type Message struct {
	Type    uint16
	Flags   uint16
	Seq     uint32
	PID     uint32
	Payload []byte
}

// ParseMessages splits a datagram into netlink messages.
func ParseMessages(b []byte) ([]Message, error) {
	var msgs []Message
	for len(b) >= nlmsgHeaderLen {
		l := int(binary.NativeEndian.Uint32(b[0:4]))
		if l < nlmsgHeaderLen || l > len(b) {
			return msgs, fmt.Errorf("%w: %d of %d", ErrBadLength, l, len(b))
		}
		msgs = append(msgs, Message{
			Type:    binary.NativeEndian.Uint16(b[4:6]),
			Flags:   binary.NativeEndian.Uint16(b[6:8]),
			Seq:     binary.NativeEndian.Uint32(b[8:12]),
			PID:     binary.NativeEndian.Uint32(b[12:16]),
			Payload: b[nlmsgHeaderLen:l],
		})
		next := align(l)
		if next > len(b) {
			break
		}
		b = b[next:]
	}
	return msgs, nil
}

// EncodeMessage renders one netlink message, padded to alignment.
func EncodeMessage(m Message) []byte {
	l := nlmsgHeaderLen + len(m.Payload)
	b := make([]byte, align(l))
	binary.NativeEndian.PutUint32(b[0:4], uint32(l))
	binary.NativeEndian.PutUint16(b[4:6], m.Type)
	binary.NativeEndian.PutUint16(b[6:8], m.Flags)
	binary.NativeEndian.PutUint32(b[8:12], m.Seq)
	binary.NativeEndian.PutUint32(b[12:16], m.PID)
	copy(b[nlmsgHeaderLen:], m.Payload)
	return b
}

func align(n int) int {
	return (n + nlmsgAlignTo - 1) &^ (nlmsgAlignTo - 1)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
