package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink is the append-only store that receives worker output.
type Sink interface {
	Name() string
	Append(p []byte) (int, error)
}

// CollectorConfig tunes how long the collector polls each worker.
type CollectorConfig struct {
	// BufferSize is the scratch buffer size for each receive.
	BufferSize int
	// PollInterval is how long one receive waits before reporting would-block.
	PollInterval time.Duration
	// Backoff is the pause between empty polls before a worker's first byte.
	Backoff time.Duration
	// MaxWait caps the total wait for a worker that has sent nothing yet.
	MaxWait time.Duration
}

// DefaultCollectorConfig returns the default collection bounds.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BufferSize:   8192,
		PollInterval: 50 * time.Millisecond,
		Backoff:      100 * time.Millisecond,
		MaxWait:      30 * time.Second,
	}
}

// Collector drains worker output into a single sink, one worker at a time, in
// the order the workers were served.
type Collector struct {
	registry *Registry
	sink     Sink
	config   CollectorConfig
	console  Console
	logger   *zap.Logger
}

// NewCollector creates a collector. Zero fields in cfg take defaults.
func NewCollector(registry *Registry, sink Sink, cfg CollectorConfig, console Console, logger *zap.Logger) *Collector {
	def := DefaultCollectorConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if console == nil {
		console = nopConsole{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		registry: registry,
		sink:     sink,
		config:   cfg,
		console:  console,
		logger:   logger,
	}
}

// Collect drains every worker in plan. Per-worker failures are recorded in
// the report and never stop the other workers; only a sink failure or context
// cancellation ends the round early.
func (c *Collector) Collect(ctx context.Context, plan *Plan) (*Report, error) {
	if plan == nil {
		return nil, ErrNotDistributed
	}

	report := &Report{
		RoundID:     uuid.New().String(),
		TotalUnits:  plan.TotalUnits,
		PayloadSize: plan.PayloadSize,
		Distributed: len(plan.Assignments),
		Sink:        c.sink.Name(),
		StartedAt:   time.Now(),
		Workers:     make([]WorkerResult, 0, len(plan.Assignments)),
	}
	latency := newLatencyRecorder()
	buf := make([]byte, c.config.BufferSize)

	index := c.indexOf()
	for _, a := range plan.Assignments {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now()
			report.DrainLatency = latency.Summary()
			return report, err
		}

		result, err := c.drain(ctx, index[a.Conn], a, buf)
		report.Workers = append(report.Workers, result)
		report.TotalBytes += result.Bytes
		if result.Outcome != OutcomeSkipped {
			latency.Record(result.Duration)
		}
		if err != nil {
			report.FinishedAt = time.Now()
			report.DrainLatency = latency.Summary()
			return report, err
		}
	}

	report.FinishedAt = time.Now()
	report.DrainLatency = latency.Summary()
	c.logger.Info("collection finished",
		zap.String("round_id", report.RoundID),
		zap.Int("workers", len(report.Workers)),
		zap.Int64("bytes", report.TotalBytes),
		zap.Int("failed", len(report.Failed())))
	return report, nil
}

// indexOf maps each registered connection to its registry index.
func (c *Collector) indexOf() map[*Connection]int {
	conns := c.registry.Snapshot()
	index := make(map[*Connection]int, len(conns))
	for i, conn := range conns {
		index[conn] = i
	}
	return index
}

// drain polls one worker until it closes, goes quiet after sending, times
// out, or fails. The returned error is non-nil only for sink or context failures.
func (c *Collector) drain(ctx context.Context, idx int, a Assignment, buf []byte) (WorkerResult, error) {
	conn := a.Conn
	result := WorkerResult{
		ID:    conn.ID,
		Range: a.Range,
	}
	if conn.Addr != nil {
		result.Addr = conn.Addr.String()
	}

	start := time.Now()
	finish := func(o Outcome, err error) WorkerResult {
		result.Duration = time.Since(start)
		result.Outcome = o
		if err != nil {
			result.Error = err.Error()
		}
		return result
	}

	for {
		if !c.registry.IsLive(idx) {
			if result.Bytes == 0 {
				c.console.OnStatus(fmt.Sprintf("worker %d closed before collection", conn.ID))
				return finish(OutcomeSkipped, ErrConnectionClosed), nil
			}
			return finish(OutcomeClosed, nil), nil
		}

		n, err := conn.TryRecv(buf, c.config.PollInterval)
		if n > 0 {
			if _, werr := c.sink.Append(buf[:n]); werr != nil {
				werr = fmt.Errorf("sink %s: %w", c.sink.Name(), werr)
				c.console.OnStatus(fmt.Sprintf("collection aborted: %v", werr))
				return finish(OutcomeError, werr), werr
			}
			result.Bytes += int64(n)
			conn.addReceived(n)
		}

		switch {
		case err == nil:
			continue

		case errors.Is(err, io.EOF):
			_ = conn.Close()
			c.logger.Debug("worker closed", zap.Int("id", conn.ID), zap.Int64("bytes", result.Bytes))
			c.console.OnStatus(fmt.Sprintf("collected %d bytes from worker %d (closed)", result.Bytes, conn.ID))
			return finish(OutcomeClosed, nil), nil

		case errors.Is(err, ErrWouldBlock):
			if result.Bytes > 0 {
				conn.setState(ConnectionStateDrained)
				c.console.OnStatus(fmt.Sprintf("collected %d bytes from worker %d", result.Bytes, conn.ID))
				return finish(OutcomeDrained, nil), nil
			}
			if time.Since(start) >= c.config.MaxWait {
				terr := fmt.Errorf("worker %d: %w after %s", conn.ID, ErrCollectTimeout, c.config.MaxWait)
				c.logger.Warn("worker produced no output", zap.Int("id", conn.ID), zap.Duration("waited", time.Since(start)))
				c.console.OnStatus(terr.Error())
				return finish(OutcomeTimeout, terr), nil
			}
			if c.config.Backoff > 0 {
				select {
				case <-ctx.Done():
					return finish(OutcomeError, ctx.Err()), ctx.Err()
				case <-time.After(c.config.Backoff):
				}
			}

		default:
			_ = conn.Close()
			rerr := fmt.Errorf("worker %d: receive: %w", conn.ID, err)
			c.logger.Warn("receive failed", zap.Int("id", conn.ID), zap.Error(err))
			c.console.OnStatus(rerr.Error())
			return finish(OutcomeError, rerr), nil
		}
	}
}
