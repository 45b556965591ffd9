package exchange

import (
	"fmt"
	"time"

	"github.com/dantte-lp/udperf/internal/sock"
	"github.com/dantte-lp/udperf/internal/wire"
)

// HandshakeInfo is what the control protocol establishes before STEADY:
// the test's identity and the sender's sentinel resend interval. The
// Receiver keeps only TestID; it applies no end_time correction from
// WaitControlMessage (spec.md §9's end_time correction note).
type HandshakeInfo struct {
	TestID             uint64
	WaitControlMessage time.Duration
}

// handshakeHeader reuses the 17-byte wire header for the control
// datagram: packet_id carries WaitControlMessage in milliseconds (the
// handshake has no measurement semantics for packet_id, so repurposing
// it avoids a second wire format).
func handshakeHeader(info HandshakeInfo) wire.Header {
	return wire.Header{
		PacketID: uint64(info.WaitControlMessage.Milliseconds()), //nolint:gosec // bounded by Limits.WaitControlMessage
		TestID:   info.TestID,
		Type:     wire.TypeInitHandshake,
	}
}

// SendHandshake marshals and sends one control datagram announcing
// info to the connected peer.
func SendHandshake(s *sock.Socket, info HandshakeInfo) error {
	h := handshakeHeader(info)

	buf := make([]byte, wire.HeaderSize)
	if _, err := wire.Marshal(&h, buf); err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}

	if _, err := s.Send(buf); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	return nil
}

// RecvHandshake reads one control datagram and decodes it into a
// HandshakeInfo. The read goes through sock.Socket.Recv, which waits in
// the Go runtime's netpoller until a datagram arrives.
func RecvHandshake(s *sock.Socket) (HandshakeInfo, error) {
	buf := make([]byte, wire.HeaderSize)

	n, _, err := s.Recv(buf)
	if err != nil {
		return HandshakeInfo{}, fmt.Errorf("recv handshake: %w", err)
	}

	var h wire.Header
	if err := wire.Unmarshal(buf[:n], &h); err != nil {
		return HandshakeInfo{}, fmt.Errorf("unmarshal handshake: %w", err)
	}

	return HandshakeInfo{
		TestID:             h.TestID,
		WaitControlMessage: time.Duration(h.PacketID) * time.Millisecond,
	}, nil
}
