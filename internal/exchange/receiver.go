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

// Receiver drives the STEADY/DRAIN receive loop for one worker. Like
// Sender, one Step call performs exactly one unit of progress; the test
// identity isn't known until the handshake completes, so callers read it
// back via TestID once State() has left StateInit.
type Receiver struct {
	sock   *sock.Socket
	fn     param.ExchangeFunction
	limits param.Limits

	buf       *packetbuf.PacketBuffer // single / per_message
	batchBufs []*packetbuf.PacketBuffer

	testID uint64
	seq    SequenceCounters

	state     State
	startTime time.Time
	failErr   error

	history stats.History
	logger  *slog.Logger
}

// NewReceiver builds a Receiver shaped per fn, reusing one or more
// datagramSize/mss-sized buffers across the whole run.
func NewReceiver(s *sock.Socket, fn param.ExchangeFunction, mss, datagramSize, mmsgBatch int, limits param.Limits, logger *slog.Logger) (*Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rcv := &Receiver{
		sock:    s,
		fn:      fn,
		limits:  limits,
		state:   StateInit,
		logger:  logger.With(slog.String("component", "exchange"), slog.String("role", "receiver")),
		history: stats.History{DatagramSize: datagramSize},
	}

	switch fn {
	case param.PerMessage:
		buf, err := packetbuf.New(mss, datagramSize)
		if err != nil {
			return nil, fmt.Errorf("receiver buffer: %w", err)
		}
		buf.EnableAncillary(true)
		rcv.buf = buf

	case param.PerMessageBatch:
		rcv.batchBufs = make([]*packetbuf.PacketBuffer, mmsgBatch)
		for i := range rcv.batchBufs {
			buf, err := packetbuf.New(datagramSize, datagramSize)
			if err != nil {
				return nil, fmt.Errorf("receiver batch buffer %d: %w", i, err)
			}
			rcv.batchBufs[i] = buf
		}

	default: // param.Single
		buf, err := packetbuf.New(datagramSize, datagramSize)
		if err != nil {
			return nil, fmt.Errorf("receiver buffer: %w", err)
		}
		rcv.buf = buf
	}

	return rcv, nil
}

// State reports the worker's current position in the state machine.
func (r *Receiver) State() State {
	return r.state
}

// TestID returns the test identity the handshake established. Only
// meaningful once State() has left StateInit.
func (r *Receiver) TestID() uint64 {
	return r.testID
}

// History returns the worker's counters. Only meaningful once the
// worker reaches a terminal state.
func (r *Receiver) History() stats.History {
	return r.history
}

// Step performs one unit of progress. A nil return means the engine
// moved forward; xfer.ErrTryAgain means the caller should wait for
// readability and call Step again; xfer.ErrSocketFatal means the worker
// is now FAILED.
func (r *Receiver) Step() error {
	switch r.state {
	case StateInit:
		return r.stepHandshake()
	case StateSteady:
		return r.stepSteady()
	case StateDrain:
		return r.stepDrain()
	case StateDone, StateFailed:
		return nil
	default:
		return nil
	}
}

func (r *Receiver) stepHandshake() error {
	info, err := RecvHandshake(r.sock)
	if err != nil {
		if errors.Is(err, xfer.ErrTryAgain) {
			return err
		}

		return r.fail(fmt.Errorf("handshake: %w", err))
	}

	r.testID = info.TestID
	r.state = StateSteady

	return nil
}

func (r *Receiver) stepSteady() error {
	n, err := r.recvOnce()
	if err != nil {
		if errors.Is(err, xfer.ErrTryAgain) {
			return err
		}
		if errors.Is(err, xfer.ErrSocketFatal) && r.state == StateFailed {
			// accountOne already called fail and wrapped the error.
			return err
		}

		return r.fail(fmt.Errorf("steady recv: %w", err))
	}

	// n is 0 when a batch read found nothing to read, or delivered
	// nothing new to account (every descriptor failed to parse); either
	// way it counts as forward progress for the caller's retry loop.
	_ = n

	return nil
}

// stepDrain seals the History the moment the sentinel has been
// observed; unlike the sender side there is nothing further to transmit.
func (r *Receiver) stepDrain() error {
	r.seal()

	return nil
}

// recvOnce reads one round of datagrams, shaped by fn, and folds each
// into the sequence counters and history. It returns the number of
// datagrams it accounted for (the sentinel, if seen, isn't counted).
func (r *Receiver) recvOnce() (int, error) {
	switch r.fn {
	case param.PerMessageBatch:
		return r.recvBatch()
	case param.PerMessage:
		return r.recvPerMessage()
	default:
		return r.recvSingle()
	}
}

func (r *Receiver) recvSingle() (int, error) {
	n, _, err := r.sock.Recv(r.buf.Payload())
	if err != nil {
		return 0, err
	}

	return r.accountOne(r.buf.Payload()[:n])
}

func (r *Receiver) recvPerMessage() (int, error) {
	n, _, segSize, err := r.sock.RecvMsg(r.buf)
	if err != nil {
		return 0, err
	}

	payload := r.buf.Payload()[:n]
	if segSize <= 0 {
		return r.accountOne(payload)
	}

	accounted := 0
	for off := 0; off < len(payload); {
		end := off + segSize
		if end > len(payload) {
			end = len(payload)
		}

		n, err := r.accountOne(payload[off:end])
		if err != nil {
			return accounted, err
		}
		accounted += n

		if r.state != StateSteady {
			// The sentinel ended the round early; the rest of this GRO
			// superpacket, if any, is trailing noise from a peer that
			// kept sending after DRAIN.
			break
		}

		off = end
	}

	return accounted, nil
}

func (r *Receiver) recvBatch() (int, error) {
	n, lens, err := r.sock.RecvMMsg(r.batchBufs)
	if err != nil {
		return 0, err
	}

	accounted := 0
	for i := 0; i < n; i++ {
		got, err := r.accountOne(r.batchBufs[i].Payload()[:lens[i]])
		if err != nil {
			return accounted, err
		}
		accounted += got

		if r.state != StateSteady {
			break
		}
	}

	return accounted, nil
}

// accountOne parses one datagram's header and folds it into the
// sequence counters and history, or recognizes it as the sentinel and
// transitions to DRAIN. It returns 1 for an accounted measurement
// datagram, 0 for the sentinel or a too-short/unparseable one.
func (r *Receiver) accountOne(payload []byte) (int, error) {
	var h wire.Header
	if err := wire.Unmarshal(payload, &h); err != nil {
		r.logger.Warn("dropping unparseable datagram", slog.Int("bytes", len(payload)), slog.Any("error", err))
		return 0, nil
	}

	if h.Type == wire.TypeLastMessage {
		r.state = StateDrain
		return 0, nil
	}

	if r.startTime.IsZero() {
		r.startTime = time.Now()
		r.history.StartTime = r.startTime
	}

	if err := r.seq.Observe(h.PacketID); err != nil {
		return 0, r.fail(fmt.Errorf("sequence accounting: %w", err))
	}

	r.history.DatagramsReceived++
	r.history.BytesReceived += uint64(len(payload)) //nolint:gosec // len(payload) bounded by datagram_size

	return 1, nil
}

func (r *Receiver) seal() {
	r.state = StateDone
	r.history.EndTime = time.Now()
	r.history.DatagramsExpected = r.seq.Expected
	r.history.Omitted = r.seq.Omitted
	r.history.Reordered = r.seq.Reordered
	r.history.Duplicated = r.seq.Duplicated
}

func (r *Receiver) fail(err error) error {
	r.state = StateFailed
	r.failErr = err
	r.history.Failed = true
	r.history.EndTime = time.Now()
	r.logger.Warn("receiver worker failed", slog.Any("error", err))

	return fmt.Errorf("%w: %w", xfer.ErrSocketFatal, err)
}
