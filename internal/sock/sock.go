//go:build linux

// Package sock wraps a UDP socket with the capabilities the exchange
// engine needs: connect/bind with the multiplexing options the
// Multiplexer (internal/mux) decides, three send/recv shapes (single,
// per-message with ancillary data, batched via sendmmsg/recvmmsg),
// readiness waiting, and an optional completion-ring backend.
package sock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udperf/internal/xfer"
)

// Role distinguishes a connected sender socket from a bound receiver one.
type Role uint8

const (
	// RoleSender is a connected (peer-pinned) socket.
	RoleSender Role = iota
	// RoleReceiver is a bound, unconnected socket.
	RoleReceiver
)

// Socket wraps a *net.UDPConn with the raw-fd access the batched and
// ring-based send/recv paths need.
type Socket struct {
	conn      *net.UDPConn
	rawConn   syscall.RawConn
	role      Role
	peer      netip.AddrPort
	local     netip.AddrPort
	logger    *slog.Logger
	mu        sync.Mutex
	closed    bool
	gsroSize  int
	ancillary bool
}

// Option configures optional Socket construction parameters.
type Option func(*options)

type options struct {
	reusePort   bool
	sendBufSize int
	recvBufSize int
	gsroSize    int
	logger      *slog.Logger
}

// WithReusePort sets SO_REUSEPORT, required for mux.Sharing and the
// receiver side of mux.Sharding.
func WithReusePort() Option {
	return func(o *options) { o.reusePort = true }
}

// WithSendBufSize sets SO_SNDBUF to the given size in bytes.
func WithSendBufSize(n int) Option {
	return func(o *options) { o.sendBufSize = n }
}

// WithRecvBufSize sets SO_RCVBUF to the given size in bytes.
func WithRecvBufSize(n int) Option {
	return func(o *options) { o.recvBufSize = n }
}

// WithGSRO enables the GSO/GRO ancillary path and declares the
// segmentation unit (datagram size) the sender should advertise.
func WithGSRO(datagramSize int) Option {
	return func(o *options) { o.gsroSize = datagramSize }
}

// WithLogger attaches a structured logger to the socket.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return o
}

// Dial creates a sender socket connected to peer, sourced from local
// (local.Port() == 0 lets the kernel pick an ephemeral port).
func Dial(local, peer netip.AddrPort, opts ...Option) (*Socket, error) {
	o := buildOptions(opts)

	isIPv6 := local.Addr().Is6() && !local.Addr().Is4In6()
	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return applyCommonOpts(c, o)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, local.String())
	if err != nil {
		return nil, fmt.Errorf("dial source %s: %w", local, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("dial source %s: %w", local, ErrUnexpectedConnType)
	}

	if err := conn.Connect(net.UDPAddrFromAddrPort(peer)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect to peer %s: %w", peer, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("obtain raw conn for %s: %w", local, err)
	}

	s := &Socket{
		conn:     conn,
		rawConn:  raw,
		role:     RoleSender,
		peer:     peer,
		local:    local,
		logger:   o.logger.With(slog.String("component", "sock"), slog.String("role", "sender")),
		gsroSize: o.gsroSize,
	}

	if o.gsroSize > 0 {
		if err := s.enableGSO(o.gsroSize); err != nil {
			s.logger.Warn("GSO unavailable, falling back to unsegmented sends", slog.Any("error", err))
		} else {
			s.ancillary = true
		}
	}

	return s, nil
}

// Listen creates a receiver socket bound to local.
func Listen(local netip.AddrPort, opts ...Option) (*Socket, error) {
	o := buildOptions(opts)

	isIPv6 := local.Addr().Is6() && !local.Addr().Is4In6()
	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return applyCommonOpts(c, o)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, local.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen %s: %w", local, ErrUnexpectedConnType)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("obtain raw conn for %s: %w", local, err)
	}

	s := &Socket{
		conn:    conn,
		rawConn: raw,
		role:    RoleReceiver,
		local:   local,
		logger:  o.logger.With(slog.String("component", "sock"), slog.String("role", "receiver")),
	}

	if o.gsroSize > 0 {
		if err := s.enableGRO(); err != nil {
			s.logger.Warn("GRO unavailable, receiving unsegmented datagrams", slog.Any("error", err))
		} else {
			s.ancillary = true
		}
	}

	return s, nil
}

// ErrUnexpectedConnType indicates ListenPacket returned something other
// than *net.UDPConn.
var ErrUnexpectedConnType = errors.New("sock: unexpected connection type from ListenPacket")

func applyCommonOpts(c syscall.RawConn, o options) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // fd is always a small positive integer

		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}

		if o.reusePort {
			if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
				sockErr = fmt.Errorf("set SO_REUSEPORT: %w", sockErr)
				return
			}
		}

		if o.sendBufSize > 0 {
			if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_SNDBUF, o.sendBufSize); sockErr != nil {
				sockErr = fmt.Errorf("set SO_SNDBUF: %w", sockErr)
				return
			}
		}

		if o.recvBufSize > 0 {
			if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_RCVBUF, o.recvBufSize); sockErr != nil {
				sockErr = fmt.Errorf("set SO_RCVBUF: %w", sockErr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// LocalAddr returns the address the socket is bound to.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// Peer returns the connected peer address, valid only for RoleSender.
func (s *Socket) Peer() netip.AddrPort {
	return s.peer
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close socket %s: %w", s.local, err)
	}

	return nil
}

// Send writes buf as a single datagram to the connected peer (sender
// sockets only).
func (s *Socket) Send(buf []byte) (int, error) {
	n, err := s.conn.Write(buf)
	if err == nil {
		return n, nil
	}

	return 0, translateSendErr(err)
}

// Recv reads a single datagram (receiver sockets; also valid on a
// connected sender socket expecting control replies).
func (s *Socket) Recv(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err == nil {
		return n, addr, nil
	}

	return 0, netip.AddrPort{}, translateRecvErr(err)
}

func translateSendErr(err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("send: %w: %w", xfer.ErrConnectionRefused, err)
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
		return fmt.Errorf("send: %w: %w", xfer.ErrTryAgain, err)
	default:
		return fmt.Errorf("send: %w: %w", xfer.ErrSocketFatal, err)
	}
}

func translateRecvErr(err error) error {
	switch {
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
		return fmt.Errorf("recv: %w: %w", xfer.ErrTryAgain, err)
	default:
		return fmt.Errorf("recv: %w: %w", xfer.ErrSocketFatal, err)
	}
}

// GetMTU returns the path MTU discovered for this socket's connected
// peer, via IP_MTU. Sender sockets only.
func (s *Socket) GetMTU() (int, error) {
	var mtu int
	var sockErr error

	err := s.rawConn.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // fd is always a small positive integer

		mtu, sockErr = unix.GetsockoptInt(intFD, unix.IPPROTO_IP, unix.IP_MTU)
	})
	if err != nil {
		return 0, fmt.Errorf("get MTU control: %w", err)
	}
	if sockErr != nil {
		return 0, fmt.Errorf("get IP_MTU: %w", sockErr)
	}

	return mtu, nil
}

// GetGSOSize returns the segmentation unit this socket last advertised
// via GSO, or 0 if GSO/GRO is disabled.
func (s *Socket) GetGSOSize() int {
	return s.gsroSize
}

// selectSlice is how long each select(2) call waits before re-checking
// ctx cancellation; select(2) itself has no cancellation hook.
const selectSlice = 200 * 1_000_000 // 200ms in nanoseconds, kept as an
// untyped constant so it can feed both unix.Timeval and time.Duration
// call sites without a conversion helper.

// WaitReadable blocks until the socket is readable or ctx is cancelled,
// using select(2) on the raw file descriptor, sliced into short waits so
// cancellation is observed promptly. Returns xfer.ErrTimeout if ctx has
// a deadline and it elapses first.
func (s *Socket) WaitReadable(ctx context.Context) error {
	return s.waitReady(ctx, true)
}

// WaitWritable blocks until the socket is writable or ctx is cancelled,
// using select(2) on the raw file descriptor.
func (s *Socket) WaitWritable(ctx context.Context) error {
	return s.waitReady(ctx, false)
}

func (s *Socket) waitReady(ctx context.Context, forRead bool) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("wait ready: %w: %w", xfer.ErrTimeout, ctx.Err())
			}
			return fmt.Errorf("wait ready: %w", ctx.Err())
		default:
		}

		ready, err := s.selectOnce(forRead, selectSlice)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

// selectOnce issues one select(2) call bounded to timeoutNanos,
// reporting whether the fd became ready in that window.
func (s *Socket) selectOnce(forRead bool, timeoutNanos int64) (bool, error) {
	var ready bool
	var sockErr error

	err := s.rawConn.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // fd is always a small positive integer

		var rfds, wfds unix.FdSet
		set := &rfds
		if !forRead {
			set = &wfds
		}
		fdSetBit(set, intFD)

		tv := unix.NsecToTimeval(timeoutNanos)

		n, selErr := unix.Select(intFD+1, &rfds, &wfds, nil, &tv)
		if selErr != nil {
			if errors.Is(selErr, unix.EINTR) {
				return
			}
			sockErr = fmt.Errorf("select: %w: %w", xfer.ErrSocketFatal, selErr)
			return
		}

		ready = n > 0
	})
	if err != nil {
		return false, fmt.Errorf("select control: %w", err)
	}

	return ready, sockErr
}

// fdSetBit sets the bit for fd in an unix.FdSet, which golang.org/x/sys
// represents as a Bits array rather than exposing FD_SET directly.
func fdSetBit(set *unix.FdSet, fd int) {
	idx := fd / 64
	bit := uint(fd % 64)
	set.Bits[idx] |= 1 << bit
}

// pollSliceMillis is how long each poll(2) call waits before re-checking ctx
// cancellation, mirroring selectSlice's role for WaitReadable/Writable.
const pollSliceMillis = 200

// WaitPoll blocks until the socket is ready for forWrite (writable) or
// read (readable) using poll(2) rather than select(2), for callers that
// want the readiness_poll io_model specifically instead of
// readiness_select.
func (s *Socket) WaitPoll(ctx context.Context, forWrite bool) error {
	var events int16 = unix.POLLIN
	if forWrite {
		events = unix.POLLOUT
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait poll: %w", ctx.Err())
		default:
		}

		ready, err := s.pollOnce(events)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

func (s *Socket) pollOnce(events int16) (bool, error) {
	var ready bool
	var sockErr error

	err := s.rawConn.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // fd is always a small positive integer

		fds := []unix.PollFd{{Fd: int32(intFD), Events: events}} //nolint:gosec // fd is always a small positive integer

		n, pollErr := unix.Poll(fds, pollSliceMillis)
		if pollErr != nil {
			if errors.Is(pollErr, unix.EINTR) {
				return
			}
			sockErr = fmt.Errorf("poll: %w: %w", xfer.ErrSocketFatal, pollErr)
			return
		}

		ready = n > 0 && fds[0].Revents&events != 0
	})
	if err != nil {
		return false, fmt.Errorf("poll control: %w", err)
	}

	return ready, sockErr
}
