//go:build linux

package sock_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/udperf/internal/packetbuf"
	"github.com/dantte-lp/udperf/internal/sock"
)

func mustLoopback(t *testing.T) netip.AddrPort {
	t.Helper()

	return netip.MustParseAddrPort("127.0.0.1:0")
}

func TestDialListenSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	recv, err := sock.Listen(mustLoopback(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer recv.Close()

	send, err := sock.Dial(mustLoopback(t), recv.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer send.Close()

	payload := []byte("round-trip-payload")
	if _, err := send.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := recv.WaitReadable(ctx); err != nil {
		t.Fatalf("WaitReadable: %v", err)
	}

	buf := make([]byte, 256)
	n, from, err := recv.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}
	if !from.IsValid() {
		t.Fatal("expected a valid sender address")
	}
}

func TestWaitReadableTimesOutWithNoTraffic(t *testing.T) {
	t.Parallel()

	recv, err := sock.Listen(mustLoopback(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer recv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err = recv.WaitReadable(ctx)
	if err == nil {
		t.Fatal("expected WaitReadable to return an error once ctx expired")
	}
}

func TestWaitWritableReturnsImmediatelyOnIdleSocket(t *testing.T) {
	t.Parallel()

	recv, err := sock.Listen(mustLoopback(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer recv.Close()

	send, err := sock.Dial(mustLoopback(t), recv.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer send.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := send.WaitWritable(ctx); err != nil {
		t.Fatalf("WaitWritable: %v", err)
	}
}

func TestSendMMsgRecvMMsgBatch(t *testing.T) {
	t.Parallel()

	recv, err := sock.Listen(mustLoopback(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer recv.Close()

	send, err := sock.Dial(mustLoopback(t), recv.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer send.Close()

	const batch = 8
	outBufs := make([]*packetbuf.PacketBuffer, batch)
	for i := range outBufs {
		pb, err := packetbuf.New(64, 64)
		if err != nil {
			t.Fatalf("packetbuf.New: %v", err)
		}
		pb.FillPattern()
		outBufs[i] = pb
	}

	sent, err := send.SendMMsg(outBufs)
	if err != nil {
		t.Fatalf("SendMMsg: %v", err)
	}
	if sent != batch {
		t.Fatalf("sent %d datagrams, want %d", sent, batch)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var received int
	inBufs := make([]*packetbuf.PacketBuffer, batch)
	for i := range inBufs {
		pb, err := packetbuf.New(64, 64)
		if err != nil {
			t.Fatalf("packetbuf.New: %v", err)
		}
		inBufs[i] = pb
	}

	for received < batch {
		if err := recv.WaitReadable(ctx); err != nil {
			t.Fatalf("WaitReadable: %v", err)
		}

		n, lens, err := recv.RecvMMsg(inBufs[received:])
		if err != nil {
			t.Fatalf("RecvMMsg: %v", err)
		}
		for _, l := range lens {
			if l != 64 {
				t.Fatalf("got datagram length %d, want 64", l)
			}
		}
		received += n
	}

	if received != batch {
		t.Fatalf("received %d datagrams, want %d", received, batch)
	}
}

func TestGetMTUOnConnectedSocket(t *testing.T) {
	t.Parallel()

	recv, err := sock.Listen(mustLoopback(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer recv.Close()

	send, err := sock.Dial(mustLoopback(t), recv.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer send.Close()

	mtu, err := send.GetMTU()
	if err != nil {
		t.Fatalf("GetMTU: %v", err)
	}
	if mtu <= 0 {
		t.Fatalf("got MTU %d, want a positive value", mtu)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := sock.Listen(mustLoopback(t))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRingConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     sock.RingConfig
		wantErr bool
	}{
		{name: "too_small", cfg: sock.RingConfig{RingSize: 8}, wantErr: true},
		{name: "too_large", cfg: sock.RingConfig{RingSize: 4096}, wantErr: true},
		{name: "not_power_of_two", cfg: sock.RingConfig{RingSize: 100}, wantErr: true},
		{name: "minimum_valid", cfg: sock.RingConfig{RingSize: 16}, wantErr: false},
		{name: "maximum_valid", cfg: sock.RingConfig{RingSize: 2048}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRingConfigSizingDerivations(t *testing.T) {
	t.Parallel()

	cfg := sock.RingConfig{RingSize: 256}

	if got := cfg.BufferPoolSize(); got != 1024 {
		t.Fatalf("BufferPoolSize() = %d, want 1024", got)
	}
	if got := cfg.ReapBurstCap(); got != 64 {
		t.Fatalf("ReapBurstCap() = %d, want 64", got)
	}
}
