// Package wire implements the on-the-wire message header used by every
// datagram exchanged between a sender and a receiver: 17 bytes, big
// endian, fixed layout.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed wire size of a Header in bytes.
const HeaderSize = 17

// PacketType identifies the role a datagram plays in the exchange.
type PacketType uint8

const (
	// TypeMeasurement marks an ordinary throughput-measurement datagram.
	TypeMeasurement PacketType = 0
	// TypeLastMessage marks the sentinel datagram that ends a test.
	TypeLastMessage PacketType = 1
	// TypeInitHandshake marks a control-protocol handshake datagram.
	TypeInitHandshake PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case TypeMeasurement:
		return "measurement"
	case TypeLastMessage:
		return "last_message"
	case TypeInitHandshake:
		return "init_handshake"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Sentinel errors returned by Unmarshal and OverwritePacketID.
var (
	ErrHeaderTruncated = errors.New("wire: header truncated")
	ErrBufTooSmall     = errors.New("wire: buffer too small for header")
)

// Header is the decoded form of the 17-byte message header:
//
//	offset  size  field
//	0       8     packet_id (uint64, big endian)
//	8       8     test_id   (uint64, big endian)
//	16      1     type      (uint8)
type Header struct {
	PacketID uint64
	TestID   uint64
	Type     PacketType
}

// Marshal writes h into buf starting at offset 0 and returns the number
// of bytes written (always HeaderSize on success).
func Marshal(h *Header, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("marshal header into %d-byte buffer: %w", len(buf), ErrBufTooSmall)
	}

	binary.BigEndian.PutUint64(buf[0:8], h.PacketID)
	binary.BigEndian.PutUint64(buf[8:16], h.TestID)
	buf[16] = byte(h.Type)

	return HeaderSize, nil
}

// Unmarshal decodes the first HeaderSize bytes of buf into h.
func Unmarshal(buf []byte, h *Header) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("unmarshal header from %d-byte buffer: %w", len(buf), ErrHeaderTruncated)
	}

	h.PacketID = binary.BigEndian.Uint64(buf[0:8])
	h.TestID = binary.BigEndian.Uint64(buf[8:16])
	h.Type = PacketType(buf[16])

	return nil
}

// OverwritePacketID rewrites only the packet_id field of an already
// marshaled header in place, leaving test_id and type untouched. This
// lets a sender stamp consecutive packet IDs into a reused datagram
// buffer without re-marshaling the whole header.
func OverwritePacketID(buf []byte, id uint64) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("overwrite packet_id in %d-byte buffer: %w", len(buf), ErrBufTooSmall)
	}

	binary.BigEndian.PutUint64(buf[0:8], id)

	return nil
}
