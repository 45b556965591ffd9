package coordinator

import (
	"fmt"
	"log/slog"

	"github.com/dantte-lp/udperf/internal/param"
	"github.com/dantte-lp/udperf/internal/sock"
)

// buildRings constructs one *sock.Ring per worker when p.IOModel is
// param.CompletionRing, nil otherwise. Under UringSqpollShared, worker
// 0's ring spins up the sqpoll kernel thread and every other worker's
// ring attaches to it via AttachWQFd (spec.md §4.5's "one polling
// thread backs multiple worker rings"); otherwise each worker gets its
// own independent sqpoll thread (or none, if UringSqpoll is unset).
func buildRings(p param.Parameter) ([]*sock.Ring, error) {
	if p.IOModel != param.CompletionRing {
		return nil, nil
	}

	sqFlush := sock.SqFlushTopup
	if p.UringSQMode == 1 {
		sqFlush = sock.SqFlushSyscall
	}

	rings := make([]*sock.Ring, p.Parallel)

	var sharedWQFd int

	for i := range p.Parallel {
		cfg := sock.RingConfig{
			RingSize:       p.RingSize,
			SqFlush:        sqFlush,
			ProvidedBuffer: p.UringMode == param.UringProvidedBuffer,
			Sqpoll:         p.UringSqpoll,
		}

		if p.UringSqpollShared && i > 0 {
			cfg.AttachWQFd = sharedWQFd
		}

		ring, err := sock.NewRing(cfg)
		if err != nil {
			closeRings(rings[:i], slog.Default())
			return nil, fmt.Errorf("build ring for worker %d: %w", i, err)
		}

		rings[i] = ring

		if p.UringSqpollShared && i == 0 {
			sharedWQFd = ring.FD()
		}
	}

	return rings, nil
}

func closeRings(rings []*sock.Ring, logger *slog.Logger) {
	for _, r := range rings {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			logger.Warn("close ring", slog.Any("error", err))
		}
	}
}
