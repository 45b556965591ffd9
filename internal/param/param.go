// Package param defines Parameter, the immutable record the Coordinator
// builds once per run and hands down to the Multiplexer and every
// worker. Nothing downstream mutates it.
package param

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/dantte-lp/udperf/internal/mux"
)

// Mode selects which side of the exchange this process runs.
type Mode uint8

const (
	// ModeSender originates measurement traffic.
	ModeSender Mode = iota
	// ModeReceiver accepts measurement traffic and reports Statistics.
	ModeReceiver
)

func (m Mode) String() string {
	switch m {
	case ModeSender:
		return "sender"
	case ModeReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ExchangeFunction selects the syscall batching shape a worker uses.
type ExchangeFunction uint8

const (
	// Single sends/receives one datagram_size buffer (one datagram) per
	// call via a plain write/read, with no ancillary data; it does not
	// pack several GSO-segmented datagrams into one buffer.
	Single ExchangeFunction = iota
	// PerMessage sends/receives one descriptor with ancillary GSO/GRO
	// data via sendmsg/recvmsg.
	PerMessage
	// PerMessageBatch sends/receives up to mmsg_batch descriptors via
	// sendmmsg/recvmmsg.
	PerMessageBatch
)

func (f ExchangeFunction) String() string {
	switch f {
	case Single:
		return "single"
	case PerMessage:
		return "per_message"
	case PerMessageBatch:
		return "per_message_batch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// IOModel selects how a worker waits between TRY_AGAIN retries.
type IOModel uint8

const (
	// Busy spins, reinvoking the engine step immediately on TRY_AGAIN.
	Busy IOModel = iota
	// ReadinessSelect blocks in select(2) until the socket is ready.
	ReadinessSelect
	// ReadinessPoll blocks in poll(2) until the socket is ready.
	ReadinessPoll
	// CompletionRing submits/reaps from an io_uring instance.
	CompletionRing
)

func (m IOModel) String() string {
	switch m {
	case Busy:
		return "busy"
	case ReadinessSelect:
		return "readiness_select"
	case ReadinessPoll:
		return "readiness_poll"
	case CompletionRing:
		return "completion_ring"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// UringMode selects the receive-buffer discipline under CompletionRing.
type UringMode uint8

const (
	// UringNormal pins one caller-owned buffer per submitted receive.
	UringNormal UringMode = iota
	// UringProvidedBuffer lets the kernel pick the landing buffer from
	// a registered pool per completion.
	UringProvidedBuffer
)

func (m UringMode) String() string {
	if m == UringProvidedBuffer {
		return "provided_buffer"
	}

	return "normal"
}

// Limits bundles the module-level constants original_source keeps as
// loose globals (spec.md §9's "Global-ish constants" note) into a
// config-constructed struct instead.
type Limits struct {
	// DefaultMSS is the default bytes-per-syscall buffer size (one GSO
	// superpacket's worth), used when Parameter.MSS is unset.
	DefaultMSS int
	// DefaultDatagramSize is the default logical UDP payload size.
	DefaultDatagramSize int
	// LastMessageSize is the fixed wire length of the end-of-test
	// sentinel datagram.
	LastMessageSize int
	// WaitControlMessage is the spacing between sentinel sends once the
	// sender is DONE, and the interval the control handshake announces.
	WaitControlMessage Duration
	// SentinelResendCount caps the total number of sentinel sends (K in
	// spec.md §4.4): the first send in DRAIN counts toward it, so K-1
	// resends follow once the sender is DONE.
	SentinelResendCount int
	// RingSizeMultiplier scales ring_size into the completion-ring
	// buffer pool size (4x per spec.md §4.5). sock.RingConfig's
	// BufferPoolSize uses the factor 4 as a literal and does not read
	// this field.
	RingSizeMultiplier int
	// MaxDatagramSize is the largest legal datagram_size (UDP payload
	// ceiling).
	MaxDatagramSize int
	// MinDatagramSize is the smallest legal datagram_size (must fit the
	// 17-byte header plus at least some filler).
	MinDatagramSize int
}

// DefaultLimits returns the Limits original_source hardcodes, now named
// and overridable from one place.
func DefaultLimits() Limits {
	return Limits{
		DefaultMSS:          1472,
		DefaultDatagramSize: 1472,
		LastMessageSize:     100,
		WaitControlMessage:  Duration(500 * 1_000_000), // 500ms in nanoseconds
		SentinelResendCount: 3,
		RingSizeMultiplier:  4,
		MaxDatagramSize:     65507,
		MinDatagramSize:     28,
	}
}

// Duration is a plain nanosecond count, kept distinct from time.Duration
// so Limits stays a flat value type koanf can unmarshal without a custom
// decode hook; callers convert via AsTimeDuration.
type Duration int64

// AsTimeDuration converts d to a time.Duration value.
func (d Duration) AsTimeDuration() time.Duration {
	return time.Duration(d)
}

// Parameter is the immutable, fully-validated configuration for one
// test run, shared read-only by every worker once the Coordinator has
// built it.
type Parameter struct {
	Mode               Mode             `koanf:"mode"`
	Parallel           int              `koanf:"parallel"`
	Port               uint16           `koanf:"port"`
	SenderPort         uint16           `koanf:"sender_port"`
	// BindAddr is the local address workers bind/source from. Not part
	// of spec.md's Parameter list (the CLI table there is explicitly
	// "minimal shape required by the core"), but the Coordinator needs
	// somewhere concrete to bind; defaults to the unspecified address.
	BindAddr netip.Addr `koanf:"bind_addr"`
	// RemoteAddr is the peer address sender workers connect to. Only
	// meaningful when Mode == ModeSender.
	RemoteAddr netip.Addr `koanf:"remote_addr"`
	MSS                int              `koanf:"mss"`
	DatagramSize       int              `koanf:"datagram_size"`
	ExchangeFunction   ExchangeFunction `koanf:"exchange_function"`
	IOModel            IOModel          `koanf:"io_model"`
	DurationSeconds    uint32           `koanf:"duration_seconds"`
	MultiplexSender    mux.Mode         `koanf:"multiplex_sender"`
	MultiplexReceiver  mux.Mode         `koanf:"multiplex_receiver"`
	GSROEnabled        bool             `koanf:"gsro_enabled"`
	SocketSendBuf      int              `koanf:"socket_send_buf"`
	SocketRecvBuf      int              `koanf:"socket_recv_buf"`
	MmsgBatch          int              `koanf:"mmsg_batch"`
	RingSize           int              `koanf:"ring_size"`
	UringSQMode        uint8            `koanf:"uring_sq_mode"` // 0=topup, 1=syscall
	UringMode          UringMode        `koanf:"uring_mode"`
	UringSqpoll        bool             `koanf:"uring_sqpoll"`
	UringSqpollShared  bool             `koanf:"uring_sqpoll_shared"`
	Limits             Limits           `koanf:"-"`
}

var (
	// ErrInvalidParallel is returned when Parallel is outside [1, 2^16).
	ErrInvalidParallel = errors.New("param: parallel must be in [1, 65536)")
	// ErrDatagramSizeOutOfRange is returned when DatagramSize is outside
	// [28, 65507].
	ErrDatagramSizeOutOfRange = errors.New("param: datagram_size out of range")
	// ErrMSSSmallerThanDatagram is returned when MSS < DatagramSize.
	ErrMSSSmallerThanDatagram = errors.New("param: mss must be >= datagram_size")
	// ErrSocketBufOutOfRange is returned when a socket buffer size is
	// outside [4 KiB, 25 MiB].
	ErrSocketBufOutOfRange = errors.New("param: socket buffer size out of range")
	// ErrMmsgBatchOutOfRange is returned when MmsgBatch is outside
	// [1, 1024].
	ErrMmsgBatchOutOfRange = errors.New("param: mmsg_batch out of range")
	// ErrDurationZero is returned when DurationSeconds is zero.
	ErrDurationZero = errors.New("param: duration_seconds must be nonzero")
	// ErrMissingRemoteAddr is returned when Mode == ModeSender and
	// RemoteAddr was never set.
	ErrMissingRemoteAddr = errors.New("param: sender mode requires remote_addr")
)

const (
	minSocketBuf = 4 * 1024
	maxSocketBuf = 25 * 1024 * 1024
)

// Validate checks every Parameter field against spec.md §3's ranges.
// Ring-size validation is delegated to sock.RingConfig.Validate, which
// callers invoke separately once IOModel == CompletionRing is known.
func (p *Parameter) Validate() error {
	if p.Parallel <= 0 || p.Parallel >= 1<<16 {
		return fmt.Errorf("%w: got %d", ErrInvalidParallel, p.Parallel)
	}

	if p.DatagramSize < p.Limits.MinDatagramSize || p.DatagramSize > p.Limits.MaxDatagramSize {
		return fmt.Errorf("%w: got %d", ErrDatagramSizeOutOfRange, p.DatagramSize)
	}

	if p.MSS < p.DatagramSize {
		return fmt.Errorf("%w: mss=%d datagram_size=%d", ErrMSSSmallerThanDatagram, p.MSS, p.DatagramSize)
	}

	if p.SocketSendBuf != 0 && (p.SocketSendBuf < minSocketBuf || p.SocketSendBuf > maxSocketBuf) {
		return fmt.Errorf("%w: send buf %d", ErrSocketBufOutOfRange, p.SocketSendBuf)
	}
	if p.SocketRecvBuf != 0 && (p.SocketRecvBuf < minSocketBuf || p.SocketRecvBuf > maxSocketBuf) {
		return fmt.Errorf("%w: recv buf %d", ErrSocketBufOutOfRange, p.SocketRecvBuf)
	}

	if p.MmsgBatch < 1 || p.MmsgBatch > 1024 {
		return fmt.Errorf("%w: got %d", ErrMmsgBatchOutOfRange, p.MmsgBatch)
	}

	if p.DurationSeconds == 0 {
		return ErrDurationZero
	}

	if p.Mode == ModeSender && !p.RemoteAddr.IsValid() {
		return ErrMissingRemoteAddr
	}

	return nil
}

// Defaults returns a Parameter pre-populated with the defaults
// spec.md §3/§6 calls out (1472-byte MSS/datagram, 10s duration,
// individual multiplexing, a single worker using the Single exchange
// function).
func Defaults() Parameter {
	limits := DefaultLimits()

	return Parameter{
		Mode:              ModeSender,
		Parallel:          1,
		Port:              5201,
		BindAddr:          netip.IPv4Unspecified(),
		MSS:               limits.DefaultMSS,
		DatagramSize:      limits.DefaultDatagramSize,
		ExchangeFunction:  Single,
		IOModel:           Busy,
		DurationSeconds:   10,
		MultiplexSender:   mux.Individual,
		MultiplexReceiver: mux.Individual,
		MmsgBatch:         20,
		RingSize:          256,
		Limits:            limits,
	}
}
