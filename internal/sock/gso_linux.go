//go:build linux

package sock

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udperf/internal/packetbuf"
	"github.com/dantte-lp/udperf/internal/xfer"
)

// udpSegmentCmsgLen is the cmsg space required for one UDP_SEGMENT
// (uint16 payload) control message.
var udpSegmentCmsgLen = unix.CmsgSpace(2)

// udpGROCmsgLen is the cmsg space required for one UDP_GRO (uint16
// segment-size payload) control message.
var udpGROCmsgLen = unix.CmsgSpace(2)

// enableGSO turns on generic segmentation offload advertisement for this
// sender socket: every send attaches an ancillary UDP_SEGMENT control
// message declaring segSize, so the kernel splits one large write into
// segSize-byte datagrams on the wire.
func (s *Socket) enableGSO(segSize int) error {
	var sockErr error

	err := s.rawConn.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // fd is always a small positive integer

		// The kernel rejects the option if GSO isn't available on this
		// socket/path, which the caller treats as the cue to fall back
		// to unsegmented sends.
		sockErr = unix.SetsockoptInt(intFD, unix.SOL_UDP, unix.UDP_SEGMENT, segSize)
	})
	if err != nil {
		return fmt.Errorf("GSO control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set UDP_SEGMENT=%d: %w", segSize, sockErr)
	}

	s.gsroSize = segSize

	return nil
}

// enableGRO turns on generic receive offload for this receiver socket:
// the kernel may coalesce multiple same-size datagrams from one peer
// into a single large read, reporting the original per-datagram size via
// a UDP_GRO ancillary message on each recvmsg.
func (s *Socket) enableGRO() error {
	var sockErr error

	err := s.rawConn.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // fd is always a small positive integer

		sockErr = unix.SetsockoptInt(intFD, unix.SOL_UDP, unix.UDP_GRO, 1)
	})
	if err != nil {
		return fmt.Errorf("GRO control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set UDP_GRO=1: %w", sockErr)
	}

	return nil
}

// writeCmsgHeader writes h's fields into buf using the kernel's native
// struct cmsghdr layout (len uint64, level int32, type int32 on
// linux/amd64), matching what unix.ParseSocketControlMessage reads back.
func writeCmsgHeader(buf []byte, h *unix.Cmsghdr) {
	binary.NativeEndian.PutUint64(buf[0:8], h.Len)
	binary.NativeEndian.PutUint32(buf[8:12], uint32(h.Level)) //nolint:gosec // Level is always a small positive protocol constant
	binary.NativeEndian.PutUint32(buf[12:16], uint32(h.Type)) //nolint:gosec // Type is always a small positive protocol constant
}

// buildSegmentCmsg encodes a UDP_SEGMENT control message declaring
// segSize bytes per logical datagram into buf, returning the slice of
// buf actually used. The layout mirrors unix.CmsgHdr's own fields,
// written directly since x/sys/unix has no ready-made UDP_SEGMENT
// builder (it only ships one for SCM_RIGHTS).
func buildSegmentCmsg(buf []byte, segSize int) ([]byte, error) {
	need := udpSegmentCmsgLen
	if len(buf) < need {
		return nil, fmt.Errorf("segment cmsg buffer %d bytes, need %d: %w", len(buf), need, xfer.ErrSocketFatal)
	}

	h := unix.Cmsghdr{
		Level: unix.SOL_UDP,
		Type:  unix.UDP_SEGMENT,
	}
	h.SetLen(unix.CmsgLen(2))

	writeCmsgHeader(buf, &h)
	binary.NativeEndian.PutUint16(buf[unix.CmsgLen(0):], uint16(segSize)) //nolint:gosec // segSize bounded by MTU

	return buf[:need], nil
}

// parseGROSegmentSize scans parsed control messages for a UDP_GRO entry
// and returns the segmentation unit it reports, or 0 if absent.
func parseGROSegmentSize(msgs []unix.SocketControlMessage) (int, error) {
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_UDP || msgs[i].Header.Type != unix.UDP_GRO {
			continue
		}

		if len(msgs[i].Data) < 2 {
			return 0, fmt.Errorf("UDP_GRO cmsg %d bytes: %w", len(msgs[i].Data), xfer.ErrControlMessageMalformed)
		}

		return int(binary.NativeEndian.Uint16(msgs[i].Data[:2])), nil
	}

	return 0, nil
}

// SendMsg sends one PacketBuffer's payload as a single write, attaching
// a GSO ancillary segment declaration when the socket has GSO enabled.
// This is the "per_message" exchange shape.
func (s *Socket) SendMsg(buf *packetbuf.PacketBuffer) (int, error) {
	payload := buf.Payload()

	if !s.ancillary || s.gsroSize == 0 {
		n, err := s.conn.Write(payload)
		if err != nil {
			return 0, translateSendErr(err)
		}

		return n, nil
	}

	oob := make([]byte, udpSegmentCmsgLen)
	oob, err := buildSegmentCmsg(oob, s.gsroSize)
	if err != nil {
		return 0, err
	}

	n, _, err := s.conn.WriteMsgUDPAddrPort(payload, oob, s.peer)
	if err != nil {
		return 0, translateSendErr(err)
	}

	return n, nil
}

// RecvMsg reads one datagram (possibly a GRO superpacket representing
// several logical datagrams) into buf's payload and returns the number
// of bytes read, the sender address, and the GRO-reported segmentation
// unit (0 if GRO is disabled or the kernel didn't coalesce anything).
func (s *Socket) RecvMsg(buf *packetbuf.PacketBuffer) (int, netip.AddrPort, int, error) {
	payload := buf.Payload()
	oob := buf.AncillaryBuf()
	if oob == nil {
		oob = make([]byte, udpGROCmsgLen)
	}

	n, oobn, _, addr, err := s.conn.ReadMsgUDPAddrPort(payload, oob)
	if err != nil {
		return 0, netip.AddrPort{}, 0, translateRecvErr(err)
	}

	segSize := 0
	if s.ancillary && oobn > 0 {
		msgs, parseErr := unix.ParseSocketControlMessage(oob[:oobn])
		if parseErr != nil {
			return n, addr, 0, fmt.Errorf("parse control messages: %w: %w", xfer.ErrControlMessageMalformed, parseErr)
		}

		segSize, err = parseGROSegmentSize(msgs)
		if err != nil {
			return n, addr, 0, err
		}
	}

	return n, addr, segSize, nil
}
