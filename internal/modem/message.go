// Package modem reads the fixed-size event messages written by the modem
// manager into a FIFO and records them.
package modem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Message layout: NUL padded type, little-endian int32 value, NUL padded
// data string.
const (
	TypeLen     = 32
	valueLen    = 4
	DataLen     = 256
	MessageSize = TypeLen + valueLen + DataLen
)

// ErrShortMessage is returned by Decode for fewer than MessageSize bytes.
var ErrShortMessage = errors.New("modem: short message")

// Message is one decoded modem-manager event.
type Message struct {
	Type  string
	Value int32
	Data  string
}

// Decode parses the first MessageSize bytes of b.
func Decode(b []byte) (Message, error) {
	if len(b) < MessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}
	return Message{
		Type:  cString(b[:TypeLen]),
		Value: int32(binary.LittleEndian.Uint32(b[TypeLen : TypeLen+valueLen])),
		Data:  cString(b[TypeLen+valueLen : MessageSize]),
	}, nil
}

// Encode renders m in wire layout, truncating oversized strings.
func (m Message) Encode() []byte {
	b := make([]byte, MessageSize)
	copy(b[:TypeLen-1], m.Type)
	binary.LittleEndian.PutUint32(b[TypeLen:TypeLen+valueLen], uint32(m.Value))
	copy(b[TypeLen+valueLen:MessageSize-1], m.Data)
	return b
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
