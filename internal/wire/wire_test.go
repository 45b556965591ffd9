package wire_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/udperf/internal/wire"
)

// TestHeaderRoundTrip verifies that marshaling and then unmarshaling a
// header reproduces every field exactly.
func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	in := wire.Header{PacketID: 42, TestID: 0xdeadbeef, Type: wire.TypeMeasurement}
	buf := make([]byte, wire.HeaderSize)

	n, err := wire.Marshal(&in, buf)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if n != wire.HeaderSize {
		t.Fatalf("Marshal wrote %d bytes, want %d", n, wire.HeaderSize)
	}

	var out wire.Header
	if err := wire.Unmarshal(buf, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

// TestOverwritePacketIDIsIdempotentAndIsolated checks that repeated
// overwrites only ever affect the packet_id field, never test_id or type.
func TestOverwritePacketIDIsIdempotentAndIsolated(t *testing.T) {
	t.Parallel()

	in := wire.Header{PacketID: 1, TestID: 7, Type: wire.TypeLastMessage}
	buf := make([]byte, wire.HeaderSize)
	if _, err := wire.Marshal(&in, buf); err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for _, id := range []uint64{2, 2, 100, 0} {
		if err := wire.OverwritePacketID(buf, id); err != nil {
			t.Fatalf("OverwritePacketID(%d): %v", id, err)
		}

		var out wire.Header
		if err := wire.Unmarshal(buf, &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}

		if out.PacketID != id {
			t.Errorf("PacketID = %d, want %d", out.PacketID, id)
		}
		if out.TestID != in.TestID {
			t.Errorf("TestID mutated: got %d, want %d", out.TestID, in.TestID)
		}
		if out.Type != in.Type {
			t.Errorf("Type mutated: got %v, want %v", out.Type, in.Type)
		}
	}
}

// TestUnmarshalTruncated checks the header-truncated sentinel is returned
// for short buffers, covering every length from empty up to one byte short.
func TestUnmarshalTruncated(t *testing.T) {
	t.Parallel()

	for n := range wire.HeaderSize {
		buf := make([]byte, n)
		var h wire.Header

		err := wire.Unmarshal(buf, &h)
		if !errors.Is(err, wire.ErrHeaderTruncated) {
			t.Errorf("Unmarshal(%d bytes): got %v, want ErrHeaderTruncated", n, err)
		}
	}
}

// TestMarshalBufTooSmall checks the buffer-too-small sentinel is returned
// when the destination buffer cannot hold a full header.
func TestMarshalBufTooSmall(t *testing.T) {
	t.Parallel()

	h := wire.Header{PacketID: 1, TestID: 1, Type: wire.TypeMeasurement}
	buf := make([]byte, wire.HeaderSize-1)

	_, err := wire.Marshal(&h, buf)
	if !errors.Is(err, wire.ErrBufTooSmall) {
		t.Fatalf("Marshal: got %v, want ErrBufTooSmall", err)
	}
}

// TestPacketTypeString exercises the String method for known and unknown values.
func TestPacketTypeString(t *testing.T) {
	t.Parallel()

	cases := map[wire.PacketType]string{
		wire.TypeMeasurement:   "measurement",
		wire.TypeLastMessage:   "last_message",
		wire.TypeInitHandshake: "init_handshake",
		wire.PacketType(99):    "unknown(99)",
	}

	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("PacketType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
