package exchange

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/udperf/internal/packetbuf"
	"github.com/dantte-lp/udperf/internal/param"
	"github.com/dantte-lp/udperf/internal/sock"
	"github.com/dantte-lp/udperf/internal/stats"
	"github.com/dantte-lp/udperf/internal/wire"
	"github.com/dantte-lp/udperf/internal/xfer"
)

// Sender drives the STEADY/DRAIN send loop for one worker. One Step
// call performs exactly one unit of progress; callers (an I/O driver)
// handle TRY_AGAIN retries between calls.
type Sender struct {
	sock   *sock.Socket
	fn     param.ExchangeFunction
	testID uint64
	limits param.Limits

	buf       *packetbuf.PacketBuffer // single / per_message
	batchBufs []*packetbuf.PacketBuffer

	datagramSize int
	duration     time.Duration
	nextPacketID uint64

	state          State
	startTime      time.Time
	sentinelSends  int
	lastSentinelAt time.Time
	failErr        error

	history stats.History
	logger  *slog.Logger
}

// NewSender builds a Sender that sends datagramSize-byte measurement
// datagrams to sock's connected peer for duration, shaped per fn.
func NewSender(s *sock.Socket, testID uint64, fn param.ExchangeFunction, mss, datagramSize, mmsgBatch int, duration time.Duration, limits param.Limits, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}

	snd := &Sender{
		sock:         s,
		fn:           fn,
		testID:       testID,
		limits:       limits,
		datagramSize: datagramSize,
		duration:     duration,
		state:        StateInit,
		logger:       logger.With(slog.String("component", "exchange"), slog.String("role", "sender")),
		history:      stats.History{DatagramSize: datagramSize},
	}

	switch fn {
	case param.PerMessage:
		buf, err := packetbuf.New(mss, datagramSize)
		if err != nil {
			return nil, fmt.Errorf("sender buffer: %w", err)
		}
		snd.buf = buf

	case param.PerMessageBatch:
		snd.batchBufs = make([]*packetbuf.PacketBuffer, mmsgBatch)
		for i := range snd.batchBufs {
			buf, err := packetbuf.New(datagramSize, datagramSize)
			if err != nil {
				return nil, fmt.Errorf("sender batch buffer %d: %w", i, err)
			}
			snd.batchBufs[i] = buf
		}

	default: // param.Single
		buf, err := packetbuf.New(datagramSize, datagramSize)
		if err != nil {
			return nil, fmt.Errorf("sender buffer: %w", err)
		}
		snd.buf = buf
	}

	// Stamp every owned buffer's headers once up front with packet_id 0
	// (it gets overwritten before first use); from here on, the hot
	// path only ever rewrites packet_id, never test_id or type.
	for _, b := range snd.allBuffers() {
		if _, err := b.StampHeaders(0, testID, wire.TypeMeasurement); err != nil {
			return nil, fmt.Errorf("initial stamp: %w", err)
		}
	}

	return snd, nil
}

// State reports the worker's current position in the state machine.
func (s *Sender) State() State {
	return s.state
}

// History returns the worker's counters. Only meaningful once the
// worker reaches a terminal state.
func (s *Sender) History() stats.History {
	return s.history
}

// Step performs one unit of progress. A nil return means the engine
// moved forward (possibly to a terminal state); xfer.ErrTryAgain means
// the caller should wait for writability and call Step again;
// xfer.ErrSocketFatal means the worker is now FAILED.
func (s *Sender) Step() error {
	switch s.state {
	case StateInit:
		return s.stepHandshake()
	case StateSteady:
		return s.stepSteady()
	case StateDrain:
		return s.stepDrain()
	case StateDone, StateFailed:
		return nil
	default:
		return nil
	}
}

func (s *Sender) stepHandshake() error {
	info := HandshakeInfo{TestID: s.testID, WaitControlMessage: s.limits.WaitControlMessage.AsTimeDuration()}

	if err := SendHandshake(s.sock, info); err != nil {
		if errors.Is(err, xfer.ErrTryAgain) {
			return err
		}

		return s.fail(fmt.Errorf("handshake: %w", err))
	}

	s.state = StateSteady
	s.startTime = time.Now()
	s.history.StartTime = s.startTime

	return nil
}

func (s *Sender) stepSteady() error {
	if time.Since(s.startTime) >= s.duration {
		s.state = StateDrain
		return nil
	}

	sent, bytes, err := s.sendOnce()
	if err != nil {
		if errors.Is(err, xfer.ErrTryAgain) {
			return err
		}
		if errors.Is(err, xfer.ErrConnectionRefused) {
			return s.fail(fmt.Errorf("first send refused, is the receiver running? %w", err))
		}

		return s.fail(fmt.Errorf("steady send: %w", err))
	}

	s.history.DatagramsSent += uint64(sent) //nolint:gosec // sent is bounded by mmsg_batch/datagram count
	s.history.BytesSent += uint64(bytes)    //nolint:gosec // bytes bounded by mss

	return nil
}

// sendOnce stamps and transmits one round of datagrams, shaped by fn,
// and returns the number of datagrams and bytes actually sent.
func (s *Sender) sendOnce() (int, int, error) {
	switch s.fn {
	case param.PerMessageBatch:
		return s.sendBatch()
	case param.PerMessage:
		return s.sendPerMessage()
	default:
		return s.sendSingle()
	}
}

func (s *Sender) sendSingle() (int, int, error) {
	used, err := s.stampOne(s.buf)
	if err != nil {
		return 0, 0, err
	}

	n, err := s.sock.Send(s.buf.Payload()[:s.datagramSize])
	if err != nil {
		return 0, 0, err
	}

	s.nextPacketID += uint64(used) //nolint:gosec // used is at most 1

	return used, n, nil
}

func (s *Sender) sendPerMessage() (int, int, error) {
	used, err := s.stampOne(s.buf)
	if err != nil {
		return 0, 0, err
	}

	n, err := s.sock.SendMsg(s.buf)
	if err != nil {
		return 0, 0, err
	}

	s.nextPacketID += uint64(used) //nolint:gosec // used bounded by DatagramCount()

	return used, n, nil
}

func (s *Sender) sendBatch() (int, int, error) {
	for i, b := range s.batchBufs {
		if _, err := b.OverwritePacketIDs(s.nextPacketID + uint64(i)); err != nil { //nolint:gosec // i bounded by mmsg_batch
			return 0, 0, fmt.Errorf("overwrite packet ids: %w", err)
		}
	}

	sent, err := s.sock.SendMMsg(s.batchBufs)
	if err != nil {
		return 0, 0, err
	}

	s.nextPacketID += uint64(sent) //nolint:gosec // sent bounded by mmsg_batch

	return sent, sent * s.datagramSize, nil
}

// stampOne fast-overwrites b's consecutive packet-id run starting at
// nextPacketID; NewSender already stamped test_id/type once for every
// buffer this worker owns.
func (s *Sender) stampOne(b *packetbuf.PacketBuffer) (int, error) {
	n, err := b.OverwritePacketIDs(s.nextPacketID)
	if err != nil {
		return 0, fmt.Errorf("overwrite packet ids: %w", err)
	}

	return n, nil
}

// allBuffers returns every PacketBuffer this worker owns, regardless of
// exchange-function shape, for one-time setup passes.
func (s *Sender) allBuffers() []*packetbuf.PacketBuffer {
	if s.buf != nil {
		return []*packetbuf.PacketBuffer{s.buf}
	}

	return s.batchBufs
}

// stepDrain sends the sentinel once and seals the History immediately
// on success, per spec: "sender transitions on first successful send
// of the sentinel." Resends to hedge against the sentinel itself being
// dropped happen afterward via ResendSentinelIfDue.
func (s *Sender) stepDrain() error {
	buf, err := packetbuf.New(s.limits.LastMessageSize, s.limits.LastMessageSize)
	if err != nil {
		return s.fail(fmt.Errorf("sentinel buffer: %w", err))
	}

	h := wire.Header{PacketID: s.nextPacketID, TestID: s.testID, Type: wire.TypeLastMessage}
	if _, err := wire.Marshal(&h, buf.Payload()); err != nil {
		return s.fail(fmt.Errorf("stamp sentinel: %w", err))
	}

	if _, err := s.sock.Send(buf.Payload()[:s.limits.LastMessageSize]); err != nil {
		if errors.Is(err, xfer.ErrTryAgain) {
			return err
		}

		return s.fail(fmt.Errorf("send sentinel: %w", err))
	}

	s.sentinelSends++
	s.lastSentinelAt = time.Now()
	s.seal()

	return nil
}

// ResendsExhausted reports whether the sentinel resend budget
// (Limits.SentinelResendCount) has been spent, so a caller scheduling
// ResendSentinelIfDue on a ticker knows when to stop.
func (s *Sender) ResendsExhausted() bool {
	return s.sentinelSends >= s.limits.SentinelResendCount
}

// ResendSentinelIfDue re-sends the sentinel once more if the engine is
// DONE, WaitControlMessage has elapsed since the last send, and the
// resend budget isn't exhausted. The worker loop calls this on its own
// schedule after the engine first reaches DONE, to hedge against UDP
// loss of the sentinel itself; it does not block.
func (s *Sender) ResendSentinelIfDue(now time.Time) error {
	if s.state != StateDone || s.sentinelSends >= s.limits.SentinelResendCount {
		return nil
	}
	if now.Sub(s.lastSentinelAt) < s.limits.WaitControlMessage.AsTimeDuration() {
		return nil
	}

	buf, err := packetbuf.New(s.limits.LastMessageSize, s.limits.LastMessageSize)
	if err != nil {
		return fmt.Errorf("sentinel resend buffer: %w", err)
	}

	h := wire.Header{PacketID: s.nextPacketID, TestID: s.testID, Type: wire.TypeLastMessage}
	if _, err := wire.Marshal(&h, buf.Payload()); err != nil {
		return fmt.Errorf("stamp sentinel resend: %w", err)
	}

	if _, err := s.sock.Send(buf.Payload()[:s.limits.LastMessageSize]); err != nil && !errors.Is(err, xfer.ErrTryAgain) {
		return fmt.Errorf("resend sentinel: %w", err)
	}

	s.sentinelSends++
	s.lastSentinelAt = now

	return nil
}

func (s *Sender) seal() {
	s.state = StateDone
	s.history.EndTime = time.Now()
}

func (s *Sender) fail(err error) error {
	s.state = StateFailed
	s.failErr = err
	s.history.Failed = true
	s.history.EndTime = time.Now()
	s.logger.Warn("sender worker failed", slog.Any("error", err))

	return fmt.Errorf("%w: %w", xfer.ErrSocketFatal, err)
}
