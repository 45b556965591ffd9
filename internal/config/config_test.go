package config_test

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/dantte-lp/udperf/internal/config"
	"github.com/dantte-lp/udperf/internal/param"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Test.Mode != "sender" {
		t.Errorf("Test.Mode = %q, want %q", cfg.Test.Mode, "sender")
	}

	if cfg.Test.Parallel != 1 {
		t.Errorf("Test.Parallel = %d, want 1", cfg.Test.Parallel)
	}

	if cfg.Test.Port != 5201 {
		t.Errorf("Test.Port = %d, want 5201", cfg.Test.Port)
	}

	if cfg.Test.ExchangeFunction != "normal" {
		t.Errorf("Test.ExchangeFunction = %q, want %q", cfg.Test.ExchangeFunction, "normal")
	}

	if cfg.Test.IOModel != "busy-waiting" {
		t.Errorf("Test.IOModel = %q, want %q", cfg.Test.IOModel, "busy-waiting")
	}

	if cfg.Test.DurationSeconds != 10 {
		t.Errorf("Test.DurationSeconds = %d, want 10", cfg.Test.DurationSeconds)
	}

	// A sender-mode default requires a remote address, so validate the
	// rest of the defaults from receiver mode instead.
	cfg.Test.Mode = "receiver"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() (receiver mode) failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
log:
  level: "debug"
  format: "text"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
test:
  mode: "receiver"
  parallel: 4
  port: 45201
  exchange_function: "mmsg"
  io_model: "poll"
  with_mmsg_amount: 32
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Test.Parallel != 4 {
		t.Errorf("Test.Parallel = %d, want 4", cfg.Test.Parallel)
	}

	if cfg.Test.Port != 45201 {
		t.Errorf("Test.Port = %d, want 45201", cfg.Test.Port)
	}

	if cfg.Test.ExchangeFunction != "mmsg" {
		t.Errorf("Test.ExchangeFunction = %q, want %q", cfg.Test.ExchangeFunction, "mmsg")
	}

	if cfg.Test.IOModel != "poll" {
		t.Errorf("Test.IOModel = %q, want %q", cfg.Test.IOModel, "poll")
	}

	if cfg.Test.MmsgBatch != 32 {
		t.Errorf("Test.MmsgBatch = %d, want 32", cfg.Test.MmsgBatch)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override test.mode and test.port. Everything
	// else should inherit from defaults.
	yamlContent := `
test:
  mode: "receiver"
  port: 6000
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Test.Mode != "receiver" {
		t.Errorf("Test.Mode = %q, want %q", cfg.Test.Mode, "receiver")
	}

	if cfg.Test.Port != 6000 {
		t.Errorf("Test.Port = %d, want 6000", cfg.Test.Port)
	}

	if cfg.Test.Parallel != 1 {
		t.Errorf("Test.Parallel = %d, want default 1", cfg.Test.Parallel)
	}

	if cfg.Test.ExchangeFunction != "normal" {
		t.Errorf("Test.ExchangeFunction = %q, want default %q", cfg.Test.ExchangeFunction, "normal")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, "info")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "unknown mode",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "relay"
			},
			wantErr: config.ErrInvalidMode,
		},
		{
			name: "unknown exchange function",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.ExchangeFunction = "turbo"
			},
			wantErr: config.ErrInvalidExchangeFunction,
		},
		{
			name: "unknown io model",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.IOModel = "epoll"
			},
			wantErr: config.ErrInvalidIOModel,
		},
		{
			name: "unknown multiplex sender mode",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.MultiplexSender = "broadcast"
			},
			wantErr: config.ErrInvalidMultiplexMode,
		},
		{
			name: "unknown multiplex receiver mode",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.MultiplexReceiver = "broadcast"
			},
			wantErr: config.ErrInvalidMultiplexMode,
		},
		{
			name: "unknown uring sq mode",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.UringSQMode = "flush"
			},
			wantErr: config.ErrInvalidUringSQMode,
		},
		{
			name: "unknown uring mode",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.UringMode = "zero-copy"
			},
			wantErr: config.ErrInvalidUringMode,
		},
		{
			name: "sender without remote addr",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "sender"
				cfg.Test.RemoteAddr = ""
			},
			wantErr: param.ErrMissingRemoteAddr,
		},
		{
			name: "zero parallel",
			modify: func(cfg *config.Config) {
				cfg.Test.Mode = "receiver"
				cfg.Test.Parallel = 0
			},
			wantErr: param.ErrInvalidParallel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			cfg.Test.RemoteAddr = "127.0.0.1"
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildParameterMapsVocabulary(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Test.Mode = "sender"
	cfg.Test.RemoteAddr = "203.0.113.5"
	cfg.Test.ExchangeFunction = "mmsg"
	cfg.Test.IOModel = "io-uring"
	cfg.Test.MultiplexSender = "sharding"
	cfg.Test.MultiplexReceiver = "sharing"
	cfg.Test.UringMode = "provided-buffer"
	cfg.Test.UringSQMode = "syscall"

	p, err := cfg.BuildParameter()
	if err != nil {
		t.Fatalf("BuildParameter() error: %v", err)
	}

	if p.Mode != param.ModeSender {
		t.Errorf("Mode = %v, want ModeSender", p.Mode)
	}

	if p.ExchangeFunction != param.PerMessageBatch {
		t.Errorf("ExchangeFunction = %v, want PerMessageBatch", p.ExchangeFunction)
	}

	if p.IOModel != param.CompletionRing {
		t.Errorf("IOModel = %v, want CompletionRing", p.IOModel)
	}

	if p.UringMode != param.UringProvidedBuffer {
		t.Errorf("UringMode = %v, want UringProvidedBuffer", p.UringMode)
	}

	if p.UringSQMode != 1 {
		t.Errorf("UringSQMode = %d, want 1", p.UringSQMode)
	}

	want := netip.MustParseAddr("203.0.113.5")
	if p.RemoteAddr != want {
		t.Errorf("RemoteAddr = %v, want %v", p.RemoteAddr, want)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/udperf.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEmptyPathSkipsFileLayer(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.Test.Mode != "sender" {
		t.Errorf("Test.Mode = %q, want default %q", cfg.Test.Mode, "sender")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
test:
  mode: "receiver"
  io_model: "busy-waiting"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("UDPERF_TEST_IO_MODEL", "poll")
	t.Setenv("UDPERF_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Test.IOModel != "poll" {
		t.Errorf("Test.IOModel = %q, want %q (from env)", cfg.Test.IOModel, "poll")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
test:
  mode: "receiver"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("UDPERF_METRICS_ADDR", ":9200")
	t.Setenv("UDPERF_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

func TestLoadEnvOverridesMultiUnderscoreKey(t *testing.T) {
	yamlContent := `
test:
  mode: "receiver"
  multiplex_port: "individual"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("UDPERF_TEST_MULTIPLEX_PORT", "sharding")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Test.MultiplexSender != "sharding" {
		t.Errorf("Test.MultiplexSender = %q, want %q (from env)", cfg.Test.MultiplexSender, "sharding")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{input: "debug", want: "DEBUG"},
		{input: "DEBUG", want: "DEBUG"},
		{input: "info", want: "INFO"},
		{input: "warn", want: "WARN"},
		{input: "error", want: "ERROR"},
		{input: "unknown", want: "INFO"},
		{input: "", want: "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "udperf.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
