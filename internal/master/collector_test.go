package master

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BufferSize:   4,
		PollInterval: 20 * time.Millisecond,
		Backoff:      5 * time.Millisecond,
		MaxWait:      200 * time.Millisecond,
	}
}

// planFor builds a plan over every registered connection without sending.
func planFor(registry *Registry, total int64) *Plan {
	conns := registry.Snapshot()
	ranges := Partition(total, len(conns))
	plan := &Plan{TotalUnits: total}
	for i, c := range conns {
		plan.Assignments = append(plan.Assignments, Assignment{Conn: c, Range: ranges[i]})
	}
	return plan
}

func TestCollectInOrder(t *testing.T) {
	registry := NewRegistry()
	peers := pipePair(t, registry, 3)
	sink := &bufferSink{}

	outputs := []string{"first-run;", "second;", "third-run-output;"}
	for i, p := range peers {
		go func() {
			_, _ = p.Write([]byte(outputs[i]))
			_ = p.Close()
		}()
	}

	cfg := testCollectorConfig()
	cfg.PollInterval = 200 * time.Millisecond
	c := NewCollector(registry, sink, cfg, nil, nil)
	report, err := c.Collect(context.Background(), planFor(registry, 9))
	require.NoError(t, err)

	assert.Equal(t, "first-run;second;third-run-output;", sink.String())
	require.Len(t, report.Workers, 3)
	for i, w := range report.Workers {
		assert.Equal(t, i+1, w.ID)
		assert.Equal(t, OutcomeClosed, w.Outcome)
		assert.Equal(t, int64(len(outputs[i])), w.Bytes)
	}
	assert.Equal(t, int64(len(sink.String())), report.TotalBytes)
	assert.Equal(t, "buffer", report.Sink)
	assert.NotEmpty(t, report.RoundID)
	assert.Equal(t, int64(3), report.DrainLatency.Count)
	assert.Empty(t, report.Failed())

	for i := 0; i < 3; i++ {
		assert.False(t, registry.IsLive(i), "closed peers are marked invalid")
	}
}

func TestCollectDrainedByIdle(t *testing.T) {
	registry := NewRegistry()
	peers := pipePair(t, registry, 1)
	sink := &bufferSink{}

	// The peer writes and keeps its socket open.
	go func() { _, _ = peers[0].Write([]byte("partial")) }()

	c := NewCollector(registry, sink, testCollectorConfig(), nil, nil)
	report, err := c.Collect(context.Background(), planFor(registry, 1))
	require.NoError(t, err)

	assert.Equal(t, "partial", sink.String())
	assert.Equal(t, OutcomeDrained, report.Workers[0].Outcome)
	assert.True(t, registry.IsLive(0))
	conn, _ := registry.Get(0)
	assert.Equal(t, ConnectionStateDrained, conn.Info().State)
	assert.Equal(t, int64(7), conn.Info().Received)
}

func TestCollectSilentPeerTimesOut(t *testing.T) {
	registry := NewRegistry()
	pipePair(t, registry, 2)
	console := &recordingConsole{}

	cfg := testCollectorConfig()
	c := NewCollector(registry, &bufferSink{}, cfg, console, nil)

	start := time.Now()
	report, err := c.Collect(context.Background(), planFor(registry, 4))
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, report.Workers, 2)
	for _, w := range report.Workers {
		assert.Equal(t, OutcomeTimeout, w.Outcome)
		assert.Contains(t, w.Error, ErrCollectTimeout.Error())
	}
	assert.Len(t, report.Failed(), 2)
	assert.Less(t, elapsed, 4*cfg.MaxWait, "collection stays within its bound")
	assert.Len(t, console.Status(), 2)
}

func TestCollectPeerClosesWithoutOutput(t *testing.T) {
	registry := NewRegistry()
	peers := pipePair(t, registry, 2)
	sink := &bufferSink{}

	require.NoError(t, peers[0].Close())
	go func() {
		_, _ = peers[1].Write([]byte("ok"))
		_ = peers[1].Close()
	}()

	c := NewCollector(registry, sink, testCollectorConfig(), nil, nil)
	report, err := c.Collect(context.Background(), planFor(registry, 2))
	require.NoError(t, err)

	assert.Equal(t, OutcomeClosed, report.Workers[0].Outcome)
	assert.Equal(t, int64(0), report.Workers[0].Bytes)
	assert.Equal(t, "ok", sink.String())
}

func TestCollectSkipsDeadConnection(t *testing.T) {
	registry := NewRegistry()
	pipePair(t, registry, 1)
	plan := planFor(registry, 1)

	conn, _ := registry.Get(0)
	require.NoError(t, conn.Close())

	c := NewCollector(registry, &bufferSink{}, testCollectorConfig(), nil, nil)
	report, err := c.Collect(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, report.Workers[0].Outcome)
	assert.Equal(t, int64(0), report.DrainLatency.Count)
}

func TestCollectSinkFailureAborts(t *testing.T) {
	registry := NewRegistry()
	peers := pipePair(t, registry, 2)
	sinkErr := errors.New("disk full")
	sink := &bufferSink{err: sinkErr}

	go func() { _, _ = peers[0].Write([]byte("data")) }()

	c := NewCollector(registry, sink, testCollectorConfig(), nil, nil)
	report, err := c.Collect(context.Background(), planFor(registry, 2))

	assert.ErrorIs(t, err, sinkErr)
	require.NotNil(t, report)
	assert.Len(t, report.Workers, 1, "remaining workers are not drained")
	assert.Equal(t, OutcomeError, report.Workers[0].Outcome)
}

func TestCollectCanceled(t *testing.T) {
	registry := NewRegistry()
	pipePair(t, registry, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector(registry, &bufferSink{}, testCollectorConfig(), nil, nil)
	_, err := c.Collect(ctx, planFor(registry, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectNilPlan(t *testing.T) {
	c := NewCollector(NewRegistry(), &bufferSink{}, CollectorConfig{}, nil, nil)
	_, err := c.Collect(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotDistributed)
}

func TestCollectorDefaults(t *testing.T) {
	c := NewCollector(NewRegistry(), &bufferSink{}, CollectorConfig{Backoff: -1}, nil, nil)
	def := DefaultCollectorConfig()
	assert.Equal(t, def.BufferSize, c.config.BufferSize)
	assert.Equal(t, def.PollInterval, c.config.PollInterval)
	assert.Equal(t, def.MaxWait, c.config.MaxWait)
	assert.Equal(t, time.Duration(0), c.config.Backoff)
}

func TestLatencyRecorder(t *testing.T) {
	l := newLatencyRecorder()
	assert.Equal(t, LatencySummary{}, l.Summary())

	for _, d := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 10 * time.Millisecond} {
		l.Record(d)
	}
	l.Record(0)
	l.Record(2 * time.Hour)

	s := l.Summary()
	assert.Equal(t, int64(5), s.Count)
	assert.Equal(t, time.Microsecond, s.Min)
	assert.GreaterOrEqual(t, s.Max, 59*time.Minute)
	assert.LessOrEqual(t, s.P50, s.P95)
	assert.LessOrEqual(t, s.P95, s.P99)
}
