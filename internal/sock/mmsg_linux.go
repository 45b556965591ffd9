//go:build linux

package sock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udperf/internal/packetbuf"
)

// SendMMsg sends up to len(bufs) datagrams in one sendmmsg(2) syscall
// ("per_message_batch" exchange shape) and returns the number of
// descriptors the kernel actually consumed — sendmmsg may partially
// succeed, so callers must trust the returned count, not len(bufs).
func (s *Socket) SendMMsg(bufs []*packetbuf.PacketBuffer) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}

	msgs := make([]unix.Mmsghdr, len(bufs))
	for i, b := range bufs {
		iov := b.Iovec()
		msgs[i].Hdr.Iov = &iov
		msgs[i].Hdr.SetIovlen(1)
	}

	var sent int
	var sockErr error

	err := s.rawConn.Write(func(fd uintptr) bool {
		n, serr := unix.Sendmmsg(int(fd), msgs, 0) //nolint:gosec // fd is always a small positive integer
		if serr != nil {
			if errors.Is(serr, unix.EAGAIN) {
				return false
			}
			sockErr = translateSendErr(serr)
			return true
		}

		sent = n
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("sendmmsg control: %w", err)
	}
	if sockErr != nil {
		return 0, sockErr
	}

	return sent, nil
}

// RecvMMsg reads up to len(bufs) datagrams in one recvmmsg(2) syscall and
// returns the number of descriptors completed (0 is legal: it means
// nothing was available without blocking) plus, for each of those
// descriptors, the actual number of bytes the kernel delivered into the
// corresponding buf — callers must slice each buf's payload to its own
// length rather than assuming a full datagramSize was filled, since the
// sentinel and any short final datagram are both shorter.
func (s *Socket) RecvMMsg(bufs []*packetbuf.PacketBuffer) (int, []int, error) {
	if len(bufs) == 0 {
		return 0, nil, nil
	}

	msgs := make([]unix.Mmsghdr, len(bufs))
	for i, b := range bufs {
		iov := b.Iovec()
		msgs[i].Hdr.Iov = &iov
		msgs[i].Hdr.SetIovlen(1)
	}

	var received int
	var sockErr error

	err := s.rawConn.Read(func(fd uintptr) bool {
		n, rerr := unix.Recvmmsg(int(fd), msgs, 0, nil) //nolint:gosec // fd is always a small positive integer
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) {
				received = 0
				return true
			}
			sockErr = translateRecvErr(rerr)
			return true
		}

		received = n
		return true
	})
	if err != nil {
		return 0, nil, fmt.Errorf("recvmmsg control: %w", err)
	}
	if sockErr != nil {
		return 0, nil, sockErr
	}

	lens := make([]int, received)
	for i := range lens {
		lens[i] = int(msgs[i].Len)
	}

	return received, lens, nil
}
