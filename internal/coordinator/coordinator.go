// Package coordinator builds the Parameter-driven port plan, spawns one
// goroutine per worker (each pinned to its own OS thread), drives every
// worker to a terminal state, and folds their Histories into a single
// Statistic.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udperf/internal/mux"
	"github.com/dantte-lp/udperf/internal/param"
	"github.com/dantte-lp/udperf/internal/sock"
	"github.com/dantte-lp/udperf/internal/stats"
	"github.com/dantte-lp/udperf/internal/udpmetrics"
)

// Coordinator owns nothing that outlives a single Run call; it is
// reusable across runs because Run takes the Parameter fresh each time.
type Coordinator struct {
	logger  *slog.Logger
	metrics *udpmetrics.Collector
}

// New builds a Coordinator that logs through logger (slog.Default() if
// nil).
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{logger: logger.With(slog.String("component", "coordinator"))}
}

// WithMetrics attaches a Collector that Run reports per-worker gauges
// and counters to; every worker's final History is observed exactly
// once (no streaming mid-run samples at this layer), and nil disables
// reporting entirely.
func (c *Coordinator) WithMetrics(collector *udpmetrics.Collector) *Coordinator {
	c.metrics = collector
	return c
}

// Result is one completed run: the merged Statistic, every worker's
// individual outcome, and whether the run counts as failed per
// spec.md §4.8/§7's per-mode rule.
type Result struct {
	Statistic stats.Statistic
	Workers   []WorkerResult
	Failed    bool
}

// Run builds the port plan for p, spawns p.Parallel workers, waits for
// every one of them to reach DONE or FAILED, and returns the merged
// Statistic. Run itself never returns an error for an individual
// worker's FAILED state — that's reflected in Result.Failed and each
// WorkerResult — only for a setup failure that prevented the run from
// starting at all (bad Parameter, port plan, or ring).
func (c *Coordinator) Run(ctx context.Context, p param.Parameter) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("coordinator: invalid parameter: %w", err)
	}

	plan, err := mux.BuildPlan(p.Parallel, p.MultiplexSender, p.MultiplexReceiver, p.SenderPort, p.Port)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: build port plan: %w", err)
	}

	testID, err := newTestID()
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: %w", err)
	}

	rings, err := buildRings(p)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: %w", err)
	}
	defer closeRings(rings, c.logger)

	c.logger.Info("starting run",
		slog.String("mode", p.Mode.String()),
		slog.Int("parallel", p.Parallel),
		slog.Uint64("test_id", testID),
		slog.String("exchange_function", p.ExchangeFunction.String()),
		slog.String("io_model", p.IOModel.String()),
	)

	peer := p.RemoteAddr
	if !peer.IsValid() {
		peer = p.BindAddr
	}

	results := make([]WorkerResult, p.Parallel)

	// Workers never cancel each other on FAILED (spec.md §4.8), so this
	// deliberately uses a zero-value errgroup.Group rather than
	// errgroup.WithContext: every goroutine below always returns nil,
	// but WithContext's derived context would still get cancelled by a
	// non-nil return, and that's not a risk worth taking here. Per-worker
	// outcomes are reported back in results, indexed disjointly so no
	// lock is needed.
	var g errgroup.Group
	for i := range p.Parallel {
		var ring *sock.Ring
		if rings != nil {
			ring = rings[i]
		}

		if c.metrics != nil {
			c.metrics.RegisterWorker(peer)
		}

		g.Go(func() error {
			results[i] = c.runWorker(ctx, i, p, plan, testID, ring)

			if c.metrics != nil {
				c.metrics.Observe(peer, stats.Sample{WorkerIndex: i, History: results[i].History}, stats.History{})
				c.metrics.UnregisterWorker(peer)
			}

			return nil
		})
	}
	_ = g.Wait()

	histories := make([]stats.History, len(results))
	for i, r := range results {
		histories[i] = r.History
	}

	result := Result{
		Statistic: stats.Merge(histories),
		Workers:   results,
		Failed:    anyFailed(p.Mode, results),
	}

	c.logger.Info("run complete",
		slog.Bool("failed", result.Failed),
		slog.Uint64("datagrams_received", result.Statistic.DatagramsReceived),
		slog.Float64("throughput_bps", result.Statistic.ThroughputBps),
	)

	return result, nil
}

// anyFailed applies spec.md §6/§7's exit rule: a sender run fails if
// any worker FAILED; a receiver run fails only if every worker FAILED
// (one failed receiver worker among otherwise-healthy ones still
// produced a usable partial Statistic from its peers).
func anyFailed(mode param.Mode, results []WorkerResult) bool {
	if mode == param.ModeSender {
		for _, r := range results {
			if r.History.Failed || r.Err != nil {
				return true
			}
		}

		return false
	}

	for _, r := range results {
		if !r.History.Failed && r.Err == nil {
			return false
		}
	}

	return len(results) > 0
}
