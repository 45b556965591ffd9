// Package stats accounts for one worker's datagram traffic over a run
// (History) and folds many workers' Histories into a single test-level
// Statistic.
package stats

import "time"

// History is the mutable per-worker counter set. Only the worker that
// owns a History may mutate it; once a worker reaches DONE or FAILED it
// seals its History and hands it to the aggregator read-only.
type History struct {
	DatagramsSent     uint64
	BytesSent         uint64
	DatagramsExpected uint64
	DatagramsReceived uint64
	BytesReceived     uint64
	Omitted           uint64
	Reordered         uint64
	Duplicated        uint64
	StartTime         time.Time
	EndTime           time.Time
	DatagramSize      int
	Failed            bool
}

// Statistic is the merge of N Histories plus the derived values a test
// report exposes.
type Statistic struct {
	DatagramsSent     uint64
	BytesSent         uint64
	DatagramsExpected uint64
	DatagramsReceived uint64
	BytesReceived     uint64
	Omitted           uint64
	Reordered         uint64
	Duplicated        uint64
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
	ThroughputBps     float64
	LossRatio         float64
}

// Merge folds a set of per-worker Histories into a single Statistic. The
// operation is commutative and associative: byte/datagram/loss counters
// sum pointwise, StartTime is the earliest, EndTime the latest.
//
// A History with Failed set and zero bytes transferred contributes
// nothing to the merge — per the aggregation contract, a worker that
// never got off the ground shouldn't skew duration or throughput.
func Merge(histories []History) Statistic {
	var s Statistic

	for _, h := range histories {
		if h.Failed && h.BytesSent == 0 && h.BytesReceived == 0 {
			continue
		}

		s.DatagramsSent += h.DatagramsSent
		s.BytesSent += h.BytesSent
		s.DatagramsExpected += h.DatagramsExpected
		s.DatagramsReceived += h.DatagramsReceived
		s.BytesReceived += h.BytesReceived
		s.Omitted += h.Omitted
		s.Reordered += h.Reordered
		s.Duplicated += h.Duplicated

		if s.StartTime.IsZero() || (!h.StartTime.IsZero() && h.StartTime.Before(s.StartTime)) {
			s.StartTime = h.StartTime
		}
		if h.EndTime.After(s.EndTime) {
			s.EndTime = h.EndTime
		}
	}

	if !s.StartTime.IsZero() && !s.EndTime.IsZero() {
		s.Duration = s.EndTime.Sub(s.StartTime)
	}

	if s.Duration > 0 {
		s.ThroughputBps = 8 * float64(s.BytesReceived) / s.Duration.Seconds()
	}

	if denom := s.DatagramsReceived + s.Omitted; denom > 0 {
		ratio := float64(s.Omitted) / float64(denom)
		s.LossRatio = clamp01(ratio)
	}

	return s
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Sample is a point-in-time view of one worker's History, as handed to
// the metrics collector. The coordinator publishes one Sample per
// worker, once that worker has finished; there are no mid-run samples.
type Sample struct {
	WorkerIndex int
	History     History
}
