package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"time"

	"github.com/dantte-lp/udperf/internal/exchange"
	"github.com/dantte-lp/udperf/internal/iodriver"
	"github.com/dantte-lp/udperf/internal/mux"
	"github.com/dantte-lp/udperf/internal/param"
	"github.com/dantte-lp/udperf/internal/sock"
	"github.com/dantte-lp/udperf/internal/stats"
)

// engine is the subset of *exchange.Sender / *exchange.Receiver a
// worker drives: advance (iodriver.Engine) plus read back the sealed
// counters once terminal.
type engine interface {
	iodriver.Engine
	History() stats.History
}

// WorkerResult is one worker's outcome: its sealed History, its final
// State, and any error Drive returned (nil when the engine reached
// DONE; on FAILED, the xfer.ErrSocketFatal-wrapped error the failing
// Step returned).
type WorkerResult struct {
	Index   int
	State   exchange.State
	History stats.History
	Err     error
}

// runWorker builds one worker's socket and exchange engine from plan,
// drives it to a terminal state, and (for a sender that reached DONE)
// hedges the sentinel with ResendSentinelIfDue before returning.
func (c *Coordinator) runWorker(ctx context.Context, idx int, p param.Parameter, plan mux.Plan, testID uint64, ring *sock.Ring) WorkerResult {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := c.logger.With(slog.Int("worker", idx))

	sk, eng, forWrite, err := buildWorkerSocketAndEngine(p, plan, idx, testID, logger)
	if err != nil {
		return WorkerResult{Index: idx, Err: fmt.Errorf("worker %d setup: %w", idx, err)}
	}
	defer sk.Close() //nolint:errcheck // run loop already returning its own error, if any

	strategy, err := iodriver.NewStrategy(p.IOModel, sk, forWrite, ring)
	if err != nil {
		return WorkerResult{Index: idx, Err: fmt.Errorf("worker %d strategy: %w", idx, err)}
	}

	driveErr := iodriver.Drive(ctx, eng, strategy)

	if snd, ok := eng.(*exchange.Sender); ok && snd.State() == exchange.StateDone {
		resendSentinelUntilExhausted(ctx, snd, p.Limits.WaitControlMessage.AsTimeDuration())
	}

	return WorkerResult{
		Index:   idx,
		State:   eng.State(),
		History: eng.History(),
		Err:     driveErr,
	}
}

// resendSentinelUntilExhausted calls Sender.ResendSentinelIfDue on the
// schedule the sender's own WaitControlMessage spacing implies, so the
// last-packet sentinel itself surviving UDP loss isn't left to chance.
// It returns once the resend budget is spent or ctx is cancelled.
func resendSentinelUntilExhausted(ctx context.Context, snd *exchange.Sender, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := snd.ResendSentinelIfDue(now); err != nil {
				return
			}
			if snd.ResendsExhausted() {
				return
			}
		}
	}
}

// buildWorkerSocketAndEngine constructs worker idx's socket (bound or
// connected per p.Mode and plan) and its exchange engine, returning
// whether the engine's Step waits for writability (true, sender) or
// readability (false, receiver).
func buildWorkerSocketAndEngine(p param.Parameter, plan mux.Plan, idx int, testID uint64, logger *slog.Logger) (*sock.Socket, engine, bool, error) {
	var opts []sock.Option
	if p.SocketSendBuf > 0 {
		opts = append(opts, sock.WithSendBufSize(p.SocketSendBuf))
	}
	if p.SocketRecvBuf > 0 {
		opts = append(opts, sock.WithRecvBufSize(p.SocketRecvBuf))
	}
	if p.GSROEnabled {
		opts = append(opts, sock.WithGSRO(p.DatagramSize))
	}
	opts = append(opts, sock.WithLogger(logger))

	if p.Mode == param.ModeSender {
		ep := plan.Sender[idx]
		if ep.ReusePort {
			opts = append(opts, sock.WithReusePort())
		}

		local := netip.AddrPortFrom(p.BindAddr, ep.LocalPort)
		peer := netip.AddrPortFrom(p.RemoteAddr, ep.RemotePort)

		sk, err := sock.Dial(local, peer, opts...)
		if err != nil {
			return nil, nil, false, fmt.Errorf("dial: %w", err)
		}

		snd, err := exchange.NewSender(sk, testID, p.ExchangeFunction, p.MSS, p.DatagramSize, p.MmsgBatch,
			time.Duration(p.DurationSeconds)*time.Second, p.Limits, logger)
		if err != nil {
			_ = sk.Close()
			return nil, nil, false, fmt.Errorf("new sender: %w", err)
		}

		return sk, snd, true, nil
	}

	ep := plan.Receiver[idx]
	if ep.ReusePort {
		opts = append(opts, sock.WithReusePort())
	}

	local := netip.AddrPortFrom(p.BindAddr, ep.LocalPort)

	sk, err := sock.Listen(local, opts...)
	if err != nil {
		return nil, nil, false, fmt.Errorf("listen: %w", err)
	}

	rcv, err := exchange.NewReceiver(sk, p.ExchangeFunction, p.MSS, p.DatagramSize, p.MmsgBatch, p.Limits, logger)
	if err != nil {
		_ = sk.Close()
		return nil, nil, false, fmt.Errorf("new receiver: %w", err)
	}

	return sk, rcv, false, nil
}
