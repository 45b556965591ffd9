// Package config loads udperf's run configuration using koanf/v2: an
// optional YAML file and UDPERF_-prefixed environment variables layered
// on top of built-in defaults. Command-line flags (the cmd/udperf
// layer) are applied after Load returns, as the final override.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/udperf/internal/mux"
	"github.com/dantte-lp/udperf/internal/param"
)

// Config holds the complete udperf configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Test    TestConfig    `koanf:"test"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (empty
	// disables the exporter).
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// TestConfig mirrors spec.md §6's CLI flag vocabulary as plain strings
// and numbers, rather than param.Parameter's typed enums directly:
// koanf's env/YAML decoding has no hook for param.ExchangeFunction etc.,
// and this is the exact string vocabulary the CLI layer (cmd/udperf)
// also accepts, so one set of parse* helpers below serves both layers.
type TestConfig struct {
	Mode              string `koanf:"mode"`
	Parallel          int    `koanf:"parallel"`
	Port              uint16 `koanf:"port"`
	SenderPort        uint16 `koanf:"sender_port"`
	BindAddr          string `koanf:"bind_addr"`
	RemoteAddr        string `koanf:"remote_addr"`
	MSS               int    `koanf:"mss"`
	DatagramSize      int    `koanf:"datagram_size"`
	ExchangeFunction  string `koanf:"exchange_function"`
	IOModel           string `koanf:"io_model"`
	DurationSeconds   uint32 `koanf:"time"`
	MultiplexSender   string `koanf:"multiplex_port"`
	MultiplexReceiver string `koanf:"multiplex_port_receiver"`
	GSRO              bool   `koanf:"with_gsro"`
	SocketSendBuf     int    `koanf:"socket_send_buf"`
	SocketRecvBuf     int    `koanf:"socket_recv_buf"`
	MmsgBatch         int    `koanf:"with_mmsg_amount"`
	RingSize          int    `koanf:"ring_size"`
	UringSQMode       string `koanf:"uring_sq_mode"`
	UringMode         string `koanf:"uring_mode"`
	UringSqpoll       bool   `koanf:"uring_sqpoll"`
	UringSqpollShared bool   `koanf:"uring_sqpoll_shared"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults spec.md
// §3/§6 calls out, expressed through param.Defaults().
func DefaultConfig() *Config {
	d := param.Defaults()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Test: TestConfig{
			Mode:              d.Mode.String(),
			Parallel:          d.Parallel,
			Port:              d.Port,
			BindAddr:          "0.0.0.0",
			MSS:               d.MSS,
			DatagramSize:      d.DatagramSize,
			ExchangeFunction:  "normal",
			IOModel:           "busy-waiting",
			DurationSeconds:   d.DurationSeconds,
			MultiplexSender:   "individual",
			MultiplexReceiver: "individual",
			MmsgBatch:         d.MmsgBatch,
			RingSize:          d.RingSize,
			UringSQMode:       "topup",
			UringMode:         "normal",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for udperf configuration.
// Variables are named UDPERF_<section>_<key>, e.g., UDPERF_TEST_PORT.
const envPrefix = "UDPERF_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (UDPERF_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer entirely.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A sender without remote_addr is accepted here: mode and --host are
	// applied from the command line after Load returns.
	if err := Validate(cfg); err != nil && !errors.Is(err, param.ErrMissingRemoteAddr) {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms UDPERF_TEST_PORT -> test.port. Strips the
// UDPERF_ prefix, lowercases, and replaces _ with . — but only at the
// first remaining underscore (section.key), since several TestConfig keys
// are themselves underscore-separated (with_mmsg_amount, and so on).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)

	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}

	return parts[0] + "." + parts[1]
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"test.mode":                      defaults.Test.Mode,
		"test.parallel":                  defaults.Test.Parallel,
		"test.port":                      defaults.Test.Port,
		"test.sender_port":               defaults.Test.SenderPort,
		"test.bind_addr":                 defaults.Test.BindAddr,
		"test.remote_addr":               defaults.Test.RemoteAddr,
		"test.mss":                       defaults.Test.MSS,
		"test.datagram_size":             defaults.Test.DatagramSize,
		"test.exchange_function":         defaults.Test.ExchangeFunction,
		"test.io_model":                  defaults.Test.IOModel,
		"test.time":                      defaults.Test.DurationSeconds,
		"test.multiplex_port":            defaults.Test.MultiplexSender,
		"test.multiplex_port_receiver":   defaults.Test.MultiplexReceiver,
		"test.with_gsro":                 defaults.Test.GSRO,
		"test.socket_send_buf":           defaults.Test.SocketSendBuf,
		"test.socket_recv_buf":           defaults.Test.SocketRecvBuf,
		"test.with_mmsg_amount":          defaults.Test.MmsgBatch,
		"test.ring_size":                 defaults.Test.RingSize,
		"test.uring_sq_mode":             defaults.Test.UringSQMode,
		"test.uring_mode":                defaults.Test.UringMode,
		"test.uring_sqpoll":              defaults.Test.UringSqpoll,
		"test.uring_sqpoll_shared":       defaults.Test.UringSqpollShared,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

var (
	// ErrInvalidMode indicates Test.Mode is neither "sender" nor
	// "receiver".
	ErrInvalidMode = errors.New("test.mode must be sender or receiver")

	// ErrInvalidExchangeFunction indicates Test.ExchangeFunction isn't
	// one of the three spec.md §6 values.
	ErrInvalidExchangeFunction = errors.New("test.exchange_function must be normal, msg, or mmsg")

	// ErrInvalidIOModel indicates Test.IOModel isn't one of the four
	// spec.md §6 values.
	ErrInvalidIOModel = errors.New("test.io_model must be busy-waiting, select, poll, or io-uring")

	// ErrInvalidMultiplexMode indicates a multiplex field isn't
	// individual, sharing, or sharding.
	ErrInvalidMultiplexMode = errors.New("multiplex mode must be individual, sharing, or sharding")

	// ErrInvalidUringSQMode indicates Test.UringSQMode isn't topup or
	// syscall.
	ErrInvalidUringSQMode = errors.New("test.uring_sq_mode must be topup or syscall")

	// ErrInvalidUringMode indicates Test.UringMode isn't normal or
	// provided-buffer.
	ErrInvalidUringMode = errors.New("test.uring_mode must be normal or provided-buffer")
)

// Validate checks Config's string-vocabulary fields parse, then
// delegates range checks to param.Parameter.Validate via BuildParameter.
func Validate(cfg *Config) error {
	if _, err := cfg.BuildParameter(); err != nil {
		return err
	}

	return nil
}

// -------------------------------------------------------------------------
// Parameter construction
// -------------------------------------------------------------------------

// BuildParameter converts Config.Test's string vocabulary into a fully
// validated param.Parameter, filling in param.DefaultLimits() for the
// module-level constants the CLI/config layers don't expose per worker.
func (c *Config) BuildParameter() (param.Parameter, error) {
	mode, err := parseMode(c.Test.Mode)
	if err != nil {
		return param.Parameter{}, err
	}

	fn, err := parseExchangeFunction(c.Test.ExchangeFunction)
	if err != nil {
		return param.Parameter{}, err
	}

	ioModel, err := parseIOModel(c.Test.IOModel)
	if err != nil {
		return param.Parameter{}, err
	}

	muxSender, err := parseMuxMode(c.Test.MultiplexSender)
	if err != nil {
		return param.Parameter{}, err
	}

	muxReceiver, err := parseMuxMode(c.Test.MultiplexReceiver)
	if err != nil {
		return param.Parameter{}, err
	}

	uringSQMode, err := parseUringSQMode(c.Test.UringSQMode)
	if err != nil {
		return param.Parameter{}, err
	}

	uringMode, err := parseUringMode(c.Test.UringMode)
	if err != nil {
		return param.Parameter{}, err
	}

	bindAddr, err := parseOptionalAddr(c.Test.BindAddr)
	if err != nil {
		return param.Parameter{}, fmt.Errorf("bind_addr: %w", err)
	}

	remoteAddr, err := parseOptionalAddr(c.Test.RemoteAddr)
	if err != nil {
		return param.Parameter{}, fmt.Errorf("remote_addr: %w", err)
	}

	p := param.Parameter{
		Mode:              mode,
		Parallel:          c.Test.Parallel,
		Port:              c.Test.Port,
		SenderPort:        c.Test.SenderPort,
		BindAddr:          bindAddr,
		RemoteAddr:        remoteAddr,
		MSS:               c.Test.MSS,
		DatagramSize:      c.Test.DatagramSize,
		ExchangeFunction:  fn,
		IOModel:           ioModel,
		DurationSeconds:   c.Test.DurationSeconds,
		MultiplexSender:   muxSender,
		MultiplexReceiver: muxReceiver,
		GSROEnabled:       c.Test.GSRO,
		SocketSendBuf:     c.Test.SocketSendBuf,
		SocketRecvBuf:     c.Test.SocketRecvBuf,
		MmsgBatch:         c.Test.MmsgBatch,
		RingSize:          c.Test.RingSize,
		UringSQMode:       uringSQMode,
		UringMode:         uringMode,
		UringSqpoll:       c.Test.UringSqpoll,
		UringSqpollShared: c.Test.UringSqpollShared,
		Limits:            param.DefaultLimits(),
	}

	if err := p.Validate(); err != nil {
		return param.Parameter{}, err
	}

	return p, nil
}

func parseMode(s string) (param.Mode, error) {
	switch s {
	case "sender":
		return param.ModeSender, nil
	case "receiver":
		return param.ModeReceiver, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidMode, s)
	}
}

// parseExchangeFunction maps spec.md §6's CLI vocabulary
// (normal/msg/mmsg) onto param.ExchangeFunction.
func parseExchangeFunction(s string) (param.ExchangeFunction, error) {
	switch s {
	case "normal":
		return param.Single, nil
	case "msg":
		return param.PerMessage, nil
	case "mmsg":
		return param.PerMessageBatch, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidExchangeFunction, s)
	}
}

// parseIOModel maps spec.md §6's CLI vocabulary
// (busy-waiting/select/poll/io-uring) onto param.IOModel.
func parseIOModel(s string) (param.IOModel, error) {
	switch s {
	case "busy-waiting":
		return param.Busy, nil
	case "select":
		return param.ReadinessSelect, nil
	case "poll":
		return param.ReadinessPoll, nil
	case "io-uring":
		return param.CompletionRing, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidIOModel, s)
	}
}

func parseMuxMode(s string) (mux.Mode, error) {
	switch s {
	case "individual":
		return mux.Individual, nil
	case "sharing":
		return mux.Sharing, nil
	case "sharding":
		return mux.Sharding, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidMultiplexMode, s)
	}
}

func parseUringSQMode(s string) (uint8, error) {
	switch s {
	case "topup":
		return 0, nil
	case "syscall":
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidUringSQMode, s)
	}
}

func parseUringMode(s string) (param.UringMode, error) {
	switch s {
	case "normal":
		return param.UringNormal, nil
	case "provided-buffer":
		return param.UringProvidedBuffer, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidUringMode, s)
	}
}

// parseOptionalAddr parses s as a netip.Addr, treating an empty string
// as "unset" (the zero netip.Addr) rather than an error. param.Validate
// only requires RemoteAddr in sender mode, so an empty bind/remote
// address string is valid for most configurations.
func parseOptionalAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}

	return netip.ParseAddr(s)
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
