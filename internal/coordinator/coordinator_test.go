package coordinator_test

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/udperf/internal/coordinator"
	"github.com/dantte-lp/udperf/internal/mux"
	"github.com/dantte-lp/udperf/internal/param"
	"github.com/dantte-lp/udperf/internal/udpmetrics"
)

// mustFreeUDPPort grabs and immediately releases an ephemeral UDP port
// so the test can hand the receiver side a fixed port number ahead of
// the sender side connecting to it.
func mustFreeUDPPort(t *testing.T) uint16 {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port //nolint:forcetypeassert // UDPConn always has a *UDPAddr
	if err := conn.Close(); err != nil {
		t.Fatalf("close probe conn: %v", err)
	}

	return uint16(port) //nolint:gosec // ports never exceed uint16
}

func baseParameter(port uint16) param.Parameter {
	limits := param.DefaultLimits()

	return param.Parameter{
		Parallel:          1,
		Port:              port,
		MSS:               64,
		DatagramSize:      64,
		ExchangeFunction:  param.Single,
		IOModel:           param.Busy,
		DurationSeconds:   1,
		MultiplexSender:   mux.Individual,
		MultiplexReceiver: mux.Individual,
		MmsgBatch:         1,
		RingSize:          16,
		BindAddr:          netip.IPv4Unspecified(),
		Limits:            limits,
	}
}

func TestCoordinatorSenderReceiverLifecycle(t *testing.T) {
	t.Parallel()

	port := mustFreeUDPPort(t)

	recvParam := baseParameter(port)
	recvParam.Mode = param.ModeReceiver

	sendParam := baseParameter(port)
	sendParam.Mode = param.ModeSender
	sendParam.RemoteAddr = netip.MustParseAddr("127.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvCoord := coordinator.New(nil)
	sendCoord := coordinator.New(nil)

	var recvResult, sendResult coordinator.Result
	var recvErr, sendErr error

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recvResult, recvErr = recvCoord.Run(ctx, recvParam)
	}()

	// Give the receiver a moment to bind before the sender's first
	// datagram, which is otherwise read as ECONNREFUSED.
	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sendResult, sendErr = sendCoord.Run(ctx, sendParam)
	}()

	wg.Wait()

	if sendErr != nil {
		t.Fatalf("sender Run: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver Run: %v", recvErr)
	}

	if sendResult.Failed {
		t.Fatalf("sender result failed: %+v", sendResult.Workers)
	}
	if recvResult.Failed {
		t.Fatalf("receiver result failed: %+v", recvResult.Workers)
	}

	if sendResult.Statistic.DatagramsSent == 0 {
		t.Fatal("expected sender to have sent datagrams")
	}
	if recvResult.Statistic.DatagramsReceived == 0 {
		t.Fatal("expected receiver to have received datagrams")
	}
	if recvResult.Statistic.DatagramsReceived > sendResult.Statistic.DatagramsSent {
		t.Fatalf("received %d > sent %d", recvResult.Statistic.DatagramsReceived, sendResult.Statistic.DatagramsSent)
	}
}

func TestCoordinatorReportsMetricsWhenAttached(t *testing.T) {
	t.Parallel()

	port := mustFreeUDPPort(t)

	recvParam := baseParameter(port)
	recvParam.Mode = param.ModeReceiver

	sendParam := baseParameter(port)
	sendParam.Mode = param.ModeSender
	sendParam.RemoteAddr = netip.MustParseAddr("127.0.0.1")

	reg := prometheus.NewRegistry()
	collector := udpmetrics.NewCollector(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvCoord := coordinator.New(nil).WithMetrics(collector)
	sendCoord := coordinator.New(nil).WithMetrics(collector)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := recvCoord.Run(ctx, recvParam); err != nil {
			t.Errorf("receiver Run: %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := sendCoord.Run(ctx, sendParam); err != nil {
			t.Errorf("sender Run: %v", err)
		}
	}()

	wg.Wait()

	// The sender's peer label is RemoteAddr ("127.0.0.1"); the receiver
	// has no RemoteAddr, so its peer label falls back to BindAddr
	// ("0.0.0.0"). Both worker 0s register then unregister, so each
	// gauge should have settled back to zero once both runs returned.
	for _, peer := range []string{"127.0.0.1", "0.0.0.0"} {
		gauge, err := collector.ActiveWorkers.GetMetricWithLabelValues(peer)
		if err != nil {
			t.Fatalf("GetMetricWithLabelValues(%q): %v", peer, err)
		}

		m := &dto.Metric{}
		if err := gauge.Write(m); err != nil {
			t.Fatalf("Write: %v", err)
		}

		if got := m.GetGauge().GetValue(); got != 0 {
			t.Errorf("ActiveWorkers[%s] after both runs = %v, want 0", peer, got)
		}
	}

	counter, err := collector.DatagramsSent.GetMetricWithLabelValues("0", "127.0.0.1")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}

	cm := &dto.Metric{}
	if err := counter.Write(cm); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := cm.GetCounter().GetValue(); got == 0 {
		t.Error("DatagramsSent counter was never observed")
	}
}

func TestCoordinatorRejectsInvalidParameter(t *testing.T) {
	t.Parallel()

	p := baseParameter(0)
	p.Mode = param.ModeSender
	// RemoteAddr intentionally left zero: Validate should reject this
	// before any socket or goroutine is spawned.

	c := coordinator.New(nil)
	if _, err := c.Run(context.Background(), p); err == nil {
		t.Fatal("expected an error for a sender Parameter with no remote_addr")
	}
}
