// Package packetbuf owns the datagram backing store each worker reuses
// across an entire run: one contiguous buffer, sized to hold one MSS
// worth of back-to-back datagrams, plus the scratch space the socket
// layer needs to attach ancillary (GSO/GRO) control data.
//
// Unlike the implementation this is ported from, the backing store is
// owned by value inside PacketBuffer — nothing is leaked onto the heap
// and handed out as a raw pointer. Every descriptor the socket layer
// needs (the iovec, the ancillary buffer) is re-derived from the
// struct's own fields on each call, so a PacketBuffer can be freely
// moved or grown without leaving a dangling alias behind.
package packetbuf

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udperf/internal/wire"
)

// controlBufSize bounds the ancillary (cmsg) scratch buffer; large
// enough for a UDP_GRO or UDP_SEGMENT cmsg plus padding.
const controlBufSize = 128

// fillPatternBase is iperf3-style: the buffer holds ASCII '0'..'9' repeating.
const fillPatternBase = '0'

var (
	// ErrZeroDatagramSize is returned by New when datagramSize is zero.
	ErrZeroDatagramSize = errors.New("packetbuf: datagram size must be non-zero")
	// ErrDatagramTooSmall is returned when a datagram cannot fit a header.
	ErrDatagramTooSmall = errors.New("packetbuf: datagram size smaller than header size")
)

// PacketBuffer is the per-worker owned datagram buffer.
type PacketBuffer struct {
	store        []byte
	datagramSize int
	lastLen      int
	datagramN    int
	oob          []byte
	ancillary    bool
	peer         netip.AddrPort
}

// New allocates a PacketBuffer able to hold mss bytes, split into
// consecutive datagrams of datagramSize bytes each (the final one
// possibly shorter, per the remainder of mss/datagramSize).
func New(mss, datagramSize int) (*PacketBuffer, error) {
	if datagramSize <= 0 {
		return nil, ErrZeroDatagramSize
	}
	if datagramSize < wire.HeaderSize {
		return nil, fmt.Errorf("%w: got %d, need at least %d", ErrDatagramTooSmall, datagramSize, wire.HeaderSize)
	}

	rem := mss % datagramSize
	lastLen := datagramSize
	if rem != 0 {
		lastLen = rem
	}

	datagramN := mss / datagramSize
	if rem != 0 {
		datagramN++
	}

	return &PacketBuffer{
		store:        make([]byte, mss),
		datagramSize: datagramSize,
		lastLen:      lastLen,
		datagramN:    datagramN,
	}, nil
}

// NewPool returns a sync.Pool of PacketBuffer instances, each sized for
// mss bytes split into datagramSize-byte datagrams, mirroring the sizing
// this worker will reuse across its whole run.
func NewPool(mss, datagramSize int) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			buf, err := New(mss, datagramSize)
			if err != nil {
				// New is only ever called with sizes already validated by
				// the coordinator before the pool is constructed.
				panic(fmt.Sprintf("packetbuf: pool constructor: %v", err))
			}

			return buf
		},
	}
}

// Reset clears the peer address and ancillary flag so a pooled buffer can
// be handed to a new caller without carrying over stale routing state.
func (b *PacketBuffer) Reset() {
	b.peer = netip.AddrPort{}
	b.ancillary = false
}

// FillPattern fills the payload with a repeating ASCII '0'-'9' pattern,
// the same fixed-content scheme iperf3-style tools use so receivers can
// validate payload integrity without a shared secret.
func (b *PacketBuffer) FillPattern() {
	for i := range b.store {
		b.store[i] = byte(fillPatternBase + (i % 10))
	}
}

// SetPeer records the remote address this buffer is destined for, or was
// received from.
func (b *PacketBuffer) SetPeer(addr netip.AddrPort) {
	b.peer = addr
}

// Peer returns the remote address last set via SetPeer.
func (b *PacketBuffer) Peer() netip.AddrPort {
	return b.peer
}

// EnableAncillary toggles whether Iovec/AncillaryBuf exposes a control
// message scratch buffer alongside the payload.
func (b *PacketBuffer) EnableAncillary(enable bool) {
	b.ancillary = enable
	if enable && b.oob == nil {
		b.oob = make([]byte, controlBufSize)
	}
}

// Payload returns the full backing store as a byte slice.
func (b *PacketBuffer) Payload() []byte {
	return b.store
}

// DatagramCount returns how many datagramSize-sized datagrams fit in mss,
// i.e. ceil(mss/datagramSize).
func (b *PacketBuffer) DatagramCount() int {
	return b.datagramN
}

// TailLen returns the length, in bytes, of the final datagram in the
// buffer (equal to datagramSize unless mss isn't a multiple of it).
func (b *PacketBuffer) TailLen() int {
	return b.lastLen
}

// DatagramSize returns the configured size of a single datagram.
func (b *PacketBuffer) DatagramSize() int {
	return b.datagramSize
}

// Iovec re-derives a unix.Iovec describing the whole backing store. It is
// never cached: callers must call this again any time the buffer might
// have been reallocated (it never is here, but the contract matches the
// socket layer's expectations either way).
func (b *PacketBuffer) Iovec() unix.Iovec {
	var iov unix.Iovec
	iov.SetLen(len(b.store))
	if len(b.store) > 0 {
		iov.Base = &b.store[0]
	}

	return iov
}

// AncillaryBuf republishes the ancillary scratch buffer, or nil if
// ancillary data is disabled for this buffer.
func (b *PacketBuffer) AncillaryBuf() []byte {
	if !b.ancillary {
		return nil
	}

	return b.oob
}

// StampHeaders writes a consecutive run of message headers into each
// datagram slot, starting at startID, and returns how many packet IDs
// were consumed (equal to DatagramCount()).
func (b *PacketBuffer) StampHeaders(startID, testID uint64, typ wire.PacketType) (int, error) {
	used := uint64(0)

	for i := range b.datagramN {
		off := i * b.datagramSize
		end := off + b.datagramSize
		if end > len(b.store) {
			end = len(b.store)
		}

		h := wire.Header{PacketID: startID + used, TestID: testID, Type: typ}
		if _, err := wire.Marshal(&h, b.store[off:end]); err != nil {
			return int(used), fmt.Errorf("stamp header at datagram %d: %w", i, err)
		}

		used++
	}

	return int(used), nil
}

// OverwritePacketIDs rewrites only the packet_id field of each already-
// stamped datagram, starting at startID, without touching test_id or
// type. This is the hot-path variant used once a buffer has already been
// stamped once by StampHeaders.
func (b *PacketBuffer) OverwritePacketIDs(startID uint64) (int, error) {
	used := uint64(0)

	for i := range b.datagramN {
		off := i * b.datagramSize

		if err := wire.OverwritePacketID(b.store[off:], startID+used); err != nil {
			return int(used), fmt.Errorf("overwrite packet_id at datagram %d: %w", i, err)
		}

		used++
	}

	return int(used), nil
}
