package packetbuf_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/udperf/internal/packetbuf"
	"github.com/dantte-lp/udperf/internal/wire"
)

// TestDatagramCountAndTailLen checks the ceil(mss/datagramSize) math and
// the remainder-sized final datagram, including the exact-multiple case.
func TestDatagramCountAndTailLen(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mss, datagramSize int
		wantCount, wantTail int
	}{
		{mss: 1400, datagramSize: 1400, wantCount: 1, wantTail: 1400},
		{mss: 1450, datagramSize: 1400, wantCount: 2, wantTail: 50},
		{mss: 100, datagramSize: 30, wantCount: 4, wantTail: 10},
	}

	for _, tc := range cases {
		buf, err := packetbuf.New(tc.mss, tc.datagramSize)
		if err != nil {
			t.Fatalf("New(%d, %d): %v", tc.mss, tc.datagramSize, err)
		}

		if got := buf.DatagramCount(); got != tc.wantCount {
			t.Errorf("New(%d, %d).DatagramCount() = %d, want %d", tc.mss, tc.datagramSize, got, tc.wantCount)
		}
		if got := buf.TailLen(); got != tc.wantTail {
			t.Errorf("New(%d, %d).TailLen() = %d, want %d", tc.mss, tc.datagramSize, got, tc.wantTail)
		}
	}
}

// TestNewRejectsBadSizes exercises the two validation sentinels.
func TestNewRejectsBadSizes(t *testing.T) {
	t.Parallel()

	if _, err := packetbuf.New(100, 0); !errors.Is(err, packetbuf.ErrZeroDatagramSize) {
		t.Errorf("New(100, 0): got %v, want ErrZeroDatagramSize", err)
	}

	if _, err := packetbuf.New(100, wire.HeaderSize-1); !errors.Is(err, packetbuf.ErrDatagramTooSmall) {
		t.Errorf("New(100, %d): got %v, want ErrDatagramTooSmall", wire.HeaderSize-1, err)
	}
}

// TestStampHeadersConsecutive checks that each datagram slot receives a
// consecutive packet ID and that the shared test_id/type are preserved.
func TestStampHeadersConsecutive(t *testing.T) {
	t.Parallel()

	buf, err := packetbuf.New(90, 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	used, err := buf.StampHeaders(1000, 7, wire.TypeMeasurement)
	if err != nil {
		t.Fatalf("StampHeaders: %v", err)
	}
	if used != buf.DatagramCount() {
		t.Fatalf("StampHeaders used %d ids, want %d", used, buf.DatagramCount())
	}

	payload := buf.Payload()
	for i := range buf.DatagramCount() {
		off := i * buf.DatagramSize()
		var h wire.Header
		if err := wire.Unmarshal(payload[off:], &h); err != nil {
			t.Fatalf("Unmarshal datagram %d: %v", i, err)
		}

		if want := uint64(1000 + i); h.PacketID != want {
			t.Errorf("datagram %d PacketID = %d, want %d", i, h.PacketID, want)
		}
		if h.TestID != 7 {
			t.Errorf("datagram %d TestID = %d, want 7", i, h.TestID)
		}
		if h.Type != wire.TypeMeasurement {
			t.Errorf("datagram %d Type = %v, want measurement", i, h.Type)
		}
	}
}

// TestOverwritePacketIDsPreservesTestIDAndType checks the hot-path
// overwrite never disturbs the fields StampHeaders originally wrote.
func TestOverwritePacketIDsPreservesTestIDAndType(t *testing.T) {
	t.Parallel()

	buf, err := packetbuf.New(60, 30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := buf.StampHeaders(1, 99, wire.TypeMeasurement); err != nil {
		t.Fatalf("StampHeaders: %v", err)
	}

	if _, err := buf.OverwritePacketIDs(500); err != nil {
		t.Fatalf("OverwritePacketIDs: %v", err)
	}

	payload := buf.Payload()
	for i := range buf.DatagramCount() {
		off := i * buf.DatagramSize()
		var h wire.Header
		if err := wire.Unmarshal(payload[off:], &h); err != nil {
			t.Fatalf("Unmarshal datagram %d: %v", i, err)
		}

		if want := uint64(500 + i); h.PacketID != want {
			t.Errorf("datagram %d PacketID = %d, want %d", i, h.PacketID, want)
		}
		if h.TestID != 99 {
			t.Errorf("datagram %d TestID mutated: got %d, want 99", i, h.TestID)
		}
		if h.Type != wire.TypeMeasurement {
			t.Errorf("datagram %d Type mutated: got %v", i, h.Type)
		}
	}
}

// TestIovecRederivedAfterReset verifies the iovec always points at the
// buffer's own backing store, even across Reset calls, so no caller can
// observe a stale alias.
func TestIovecRederivedAfterReset(t *testing.T) {
	t.Parallel()

	buf, err := packetbuf.New(64, 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	iov1 := buf.Iovec()
	buf.Reset()
	iov2 := buf.Iovec()

	if iov1.Base != iov2.Base {
		t.Errorf("Iovec base changed across Reset: %p != %p", iov1.Base, iov2.Base)
	}
}

// TestAncillaryBufNilUntilEnabled checks AncillaryBuf only republishes a
// scratch buffer once EnableAncillary(true) has been called.
func TestAncillaryBufNilUntilEnabled(t *testing.T) {
	t.Parallel()

	buf, err := packetbuf.New(64, 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := buf.AncillaryBuf(); got != nil {
		t.Fatalf("AncillaryBuf() before enable = %v, want nil", got)
	}

	buf.EnableAncillary(true)
	if got := buf.AncillaryBuf(); got == nil {
		t.Fatalf("AncillaryBuf() after enable = nil, want non-nil")
	}

	buf.EnableAncillary(false)
	if got := buf.AncillaryBuf(); got != nil {
		t.Fatalf("AncillaryBuf() after disable = %v, want nil", got)
	}
}

// TestFillPatternRepeats checks the fixed ASCII '0'-'9' fill pattern.
func TestFillPatternRepeats(t *testing.T) {
	t.Parallel()

	buf, err := packetbuf.New(25, 25)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf.FillPattern()

	payload := buf.Payload()
	for i, b := range payload {
		want := byte('0' + (i % 10))
		if b != want {
			t.Errorf("payload[%d] = %q, want %q", i, b, want)
		}
	}
}

// TestPoolProducesUsablePacketBuffer checks NewPool's constructor yields
// correctly sized buffers ready for reuse.
func TestPoolProducesUsablePacketBuffer(t *testing.T) {
	t.Parallel()

	pool := packetbuf.NewPool(90, 30)

	v := pool.Get()
	buf, ok := v.(*packetbuf.PacketBuffer)
	if !ok {
		t.Fatalf("pool.Get() returned %T, want *packetbuf.PacketBuffer", v)
	}

	if buf.DatagramCount() != 3 {
		t.Errorf("DatagramCount() = %d, want 3", buf.DatagramCount())
	}

	pool.Put(buf)
}
