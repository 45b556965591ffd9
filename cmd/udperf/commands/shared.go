package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/udperf/internal/config"
	"github.com/dantte-lp/udperf/internal/coordinator"
	"github.com/dantte-lp/udperf/internal/udpmetrics"
)

// testFlags holds the spec.md §6 CLI flag values, bound directly onto
// a config.TestConfig-shaped set of variables so the same vocabulary
// (normal/msg/mmsg, busy-waiting/select/poll/io-uring, ...) that
// config.Load accepts from a file or UDPERF_ env vars also works from
// the command line.
type testFlags struct {
	port              uint16
	senderPort        uint16
	bindAddr          string
	remoteAddr        string
	parallel          int
	mss               int
	datagramSize      int
	exchangeFunction  string
	ioModel           string
	durationSeconds   uint32
	multiplexSender   string
	multiplexReceiver string
	gsro              bool
	socketSendBuf     int
	socketRecvBuf     int
	mmsgBatch         int
	ringSize          int
	uringSQMode       string
	uringMode         string
	uringSqpoll       bool
	uringSqpollShared bool
}

// bindCommonFlags registers every flag shared by sender and receiver
// (spec.md §6's table, minus sender/receiver-only entries). Callers
// register --sender-port and --host separately where they apply.
func bindCommonFlags(cmd *cobra.Command, f *testFlags) {
	flags := cmd.Flags()

	flags.Uint16Var(&f.port, "port", 0, "base UDP port")
	flags.IntVar(&f.parallel, "parallel", 0, "number of parallel workers")
	flags.StringVar(&f.bindAddr, "bind-addr", "", "local bind address")
	flags.IntVar(&f.mss, "mss", 0, "bytes-per-syscall buffer size")
	flags.IntVar(&f.datagramSize, "datagram-size", 0, "logical UDP payload size")
	flags.StringVar(&f.exchangeFunction, "exchange-function", "", "normal / msg / mmsg")
	flags.StringVar(&f.ioModel, "io-model", "", "busy-waiting / select / poll / io-uring")
	flags.Uint32Var(&f.durationSeconds, "time", 0, "duration in seconds")
	flags.StringVar(&f.multiplexSender, "multiplex-port", "", "individual / sharing / sharding (sender side)")
	flags.StringVar(&f.multiplexReceiver, "multiplex-port-receiver", "", "individual / sharing / sharding (receiver side)")
	flags.BoolVar(&f.gsro, "with-gsro", false, "enable GSO on sender, GRO on receiver")
	flags.IntVar(&f.socketSendBuf, "socket-send-buf", 0, "SO_SNDBUF override in bytes")
	flags.IntVar(&f.socketRecvBuf, "socket-recv-buf", 0, "SO_RCVBUF override in bytes")
	flags.IntVar(&f.mmsgBatch, "with-mmsg-amount", 0, "mmsg_batch")
	flags.IntVar(&f.ringSize, "ring-size", 0, "completion-ring size (power of two)")
	flags.StringVar(&f.uringSQMode, "uring-sq-mode", "", "topup / syscall")
	flags.StringVar(&f.uringMode, "uring-mode", "", "normal / provided-buffer")
	flags.BoolVar(&f.uringSqpoll, "uring-sqpoll", false, "enable kernel-side submission polling")
	flags.BoolVar(&f.uringSqpollShared, "uring-sqpoll-shared", false, "share one sqpoll thread across worker rings")
}

// applyFlags overlays any flag the user actually set (cmd.Flags().Changed)
// onto cfg.Test, leaving config-file/env/default values in place for
// flags the user left untouched.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f *testFlags) {
	changed := cmd.Flags().Changed

	if changed("port") {
		cfg.Test.Port = f.port
	}
	if changed("sender-port") {
		cfg.Test.SenderPort = f.senderPort
	}
	if changed("bind-addr") {
		cfg.Test.BindAddr = f.bindAddr
	}
	if changed("host") {
		cfg.Test.RemoteAddr = f.remoteAddr
	}
	if changed("parallel") {
		cfg.Test.Parallel = f.parallel
	}
	if changed("mss") {
		cfg.Test.MSS = f.mss
	}
	if changed("datagram-size") {
		cfg.Test.DatagramSize = f.datagramSize
	}
	if changed("exchange-function") {
		cfg.Test.ExchangeFunction = f.exchangeFunction
	}
	if changed("io-model") {
		cfg.Test.IOModel = f.ioModel
	}
	if changed("time") {
		cfg.Test.DurationSeconds = f.durationSeconds
	}
	if changed("multiplex-port") {
		cfg.Test.MultiplexSender = f.multiplexSender
	}
	if changed("multiplex-port-receiver") {
		cfg.Test.MultiplexReceiver = f.multiplexReceiver
	}
	if changed("with-gsro") {
		cfg.Test.GSRO = f.gsro
	}
	if changed("socket-send-buf") {
		cfg.Test.SocketSendBuf = f.socketSendBuf
	}
	if changed("socket-recv-buf") {
		cfg.Test.SocketRecvBuf = f.socketRecvBuf
	}
	if changed("with-mmsg-amount") {
		cfg.Test.MmsgBatch = f.mmsgBatch
	}
	if changed("ring-size") {
		cfg.Test.RingSize = f.ringSize
	}
	if changed("uring-sq-mode") {
		cfg.Test.UringSQMode = f.uringSQMode
	}
	if changed("uring-mode") {
		cfg.Test.UringMode = f.uringMode
	}
	if changed("uring-sqpoll") {
		cfg.Test.UringSqpoll = f.uringSqpoll
	}
	if changed("uring-sqpoll-shared") {
		cfg.Test.UringSqpollShared = f.uringSqpollShared
	}
}

// metricsShutdownTimeout bounds how long serveMetrics' returned
// shutdown func waits for in-flight scrapes to finish.
const metricsShutdownTimeout = 2 * time.Second

// runErr wraps a completed-but-failed run so Execute can tell it apart
// from a flag/config error and return exit code 1 instead of 2.
type runErr struct{ err error }

func (e runErr) Error() string { return e.err.Error() }
func (e runErr) Unwrap() error { return e.err }
func (e runErr) exitCode() int { return 1 }

// runTest loads the layered config, applies mode and any flags the
// caller set, builds a param.Parameter, and drives a full coordinator
// run, printing the final report. Exit code 2 (plain error) covers a
// bad flag/config value; exit code 1 (runErr) covers a run that
// completed but whose Result.Failed is true.
func runTest(cmd *cobra.Command, mode string, f *testFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cfg.Test.Mode = mode
	applyFlags(cmd, cfg, f)

	p, err := cfg.BuildParameter()
	if err != nil {
		return fmt.Errorf("build parameter: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := udpmetrics.NewCollector(reg)

	stopMetrics := serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, reg)
	defer stopMetrics()

	co := coordinator.New(logger).WithMetrics(collector)

	result, err := co.Run(ctx, p)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	printReport(result)

	if result.Failed {
		return runErr{fmt.Errorf("test failed (mode=%s)", mode)}
	}

	return nil
}

// serveMetrics starts a background HTTP server exposing reg on path
// and returns a func that shuts it down. A test run is short-lived, so
// failures to bind (e.g. addr already in use) are logged and otherwise
// ignored rather than aborting the run: metrics are a side channel,
// not the measurement itself.
func serveMetrics(addr, path string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Default().Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}
}

// printReport writes the merged statistic in a human-readable form.
func printReport(result coordinator.Result) {
	s := result.Statistic

	slog.Default().Info("test complete",
		slog.Bool("failed", result.Failed),
		slog.Uint64("datagrams_sent", s.DatagramsSent),
		slog.Uint64("datagrams_received", s.DatagramsReceived),
		slog.Uint64("omitted", s.Omitted),
		slog.Uint64("reordered", s.Reordered),
		slog.Uint64("duplicated", s.Duplicated),
		slog.Float64("throughput_bps", s.ThroughputBps),
		slog.Float64("loss_ratio", s.LossRatio),
		slog.Duration("duration", s.Duration),
	)
}
