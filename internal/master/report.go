package master

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Outcome describes how collection ended for one worker.
type Outcome string

const (
	// OutcomeClosed means the worker closed its side after sending.
	OutcomeClosed Outcome = "closed"
	// OutcomeDrained means the worker went quiet after sending at least one byte.
	OutcomeDrained Outcome = "drained"
	// OutcomeTimeout means nothing arrived within the collection bound.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeError means the receive failed.
	OutcomeError Outcome = "error"
	// OutcomeSkipped means the connection was already closed when its turn came.
	OutcomeSkipped Outcome = "skipped"
)

// WorkerResult is the collection outcome for one worker.
type WorkerResult struct {
	ID       int           `json:"id"`
	Addr     string        `json:"addr"`
	Range    Range         `json:"range"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// LatencySummary summarises per-worker drain durations.
type LatencySummary struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Report describes a full distribution and collection round.
type Report struct {
	RoundID      string         `json:"round_id"`
	TotalUnits   int64          `json:"total_units"`
	PayloadSize  int            `json:"payload_size"`
	Distributed  int            `json:"distributed"`
	TotalBytes   int64          `json:"total_bytes"`
	Sink         string         `json:"sink"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Workers      []WorkerResult `json:"workers"`
	DrainLatency LatencySummary `json:"drain_latency"`
}

// Failed returns the workers whose collection did not end cleanly.
func (r *Report) Failed() []WorkerResult {
	var out []WorkerResult
	for _, w := range r.Workers {
		if w.Outcome == OutcomeTimeout || w.Outcome == OutcomeError {
			out = append(out, w)
		}
	}
	return out
}

// latencyRecorder tracks drain durations in microseconds, from 1µs to 1h.
type latencyRecorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		hist: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
	}
}

func (l *latencyRecorder) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.hist.RecordValue(us); err != nil {
		_ = l.hist.RecordValue(l.hist.HighestTrackableValue())
	}
}

func (l *latencyRecorder) Summary() LatencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hist.TotalCount() == 0 {
		return LatencySummary{}
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencySummary{
		Count: l.hist.TotalCount(),
		Min:   us(l.hist.Min()),
		Mean:  us(int64(l.hist.Mean())),
		P50:   us(l.hist.ValueAtQuantile(50)),
		P95:   us(l.hist.ValueAtQuantile(95)),
		P99:   us(l.hist.ValueAtQuantile(99)),
		Max:   us(l.hist.Max()),
	}
}
