package master

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SendMode selects how the distribution phase walks the frozen snapshot.
type SendMode string

const (
	// SendModeSequential serves workers one after another in registration order.
	SendModeSequential SendMode = "sequential"
	// SendModeParallel serves every worker concurrently. Each goroutine owns a
	// single snapshot index, so range ownership is identical to sequential mode.
	SendModeParallel SendMode = "parallel"
)

// ParseSendMode returns the send mode named by name. An empty name selects
// sequential.
func ParseSendMode(name string) (SendMode, error) {
	switch SendMode(name) {
	case SendModeSequential, "":
		return SendModeSequential, nil
	case SendModeParallel:
		return SendModeParallel, nil
	default:
		return "", fmt.Errorf("unknown send mode: %s", name)
	}
}

// Assignment pairs a worker connection with the range it was sent.
type Assignment struct {
	Conn  *Connection
	Range Range
}

// Plan is the outcome of a successful distribution round.
type Plan struct {
	TotalUnits  int64
	PayloadSize int
	Assignments []Assignment
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Distributor runs the send phase: payload first, then range, for every live
// worker in registration order.
type Distributor struct {
	registry     *Registry
	acceptor     Stopper
	codec        Codec
	mode         SendMode
	writeTimeout time.Duration
	console      Console
	logger       *zap.Logger
}

// DistributorOption configures a Distributor.
type DistributorOption func(*Distributor)

// WithCodec sets the wire codec. The default is FramedCodec.
func WithCodec(c Codec) DistributorOption {
	return func(d *Distributor) {
		if c != nil {
			d.codec = c
		}
	}
}

// WithSendMode sets sequential or parallel sends.
func WithSendMode(m SendMode) DistributorOption {
	return func(d *Distributor) {
		if m != "" {
			d.mode = m
		}
	}
}

// WithWriteTimeout bounds each worker's payload and range sends.
func WithWriteTimeout(t time.Duration) DistributorOption {
	return func(d *Distributor) {
		d.writeTimeout = t
	}
}

// WithDistributorConsole sets the console that receives per-worker status.
func WithDistributorConsole(c Console) DistributorOption {
	return func(d *Distributor) {
		if c != nil {
			d.console = c
		}
	}
}

// WithDistributorLogger sets the logger.
func WithDistributorLogger(l *zap.Logger) DistributorOption {
	return func(d *Distributor) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDistributor creates a distributor. acceptor may be nil when nothing is
// accepting connections.
func NewDistributor(registry *Registry, acceptor Stopper, opts ...DistributorOption) *Distributor {
	d := &Distributor{
		registry: registry,
		acceptor: acceptor,
		codec:    FramedCodec{},
		mode:     SendModeSequential,
		console:  nopConsole{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Distribute stops the acceptor, freezes the registry and sends payload plus
// range to every live worker. Any failed or short send aborts the round; the
// failing connection is closed and nothing is retried. With no live worker it
// returns ErrNoConnections and leaves the acceptor running and the registry
// open, so the round can be requested again.
func (d *Distributor) Distribute(ctx context.Context, payload []byte, totalUnits int64) (*Plan, error) {
	if totalUnits < 0 {
		return nil, fmt.Errorf("total units must not be negative: %d", totalUnits)
	}

	if d.registry.LiveCount() == 0 {
		d.console.OnStatus(fmt.Sprintf("distribution refused: %v", ErrNoConnections))
		return nil, ErrNoConnections
	}

	if d.acceptor != nil {
		d.acceptor.Stop()
	}

	plan := &Plan{
		TotalUnits:  totalUnits,
		PayloadSize: len(payload),
		StartedAt:   time.Now(),
	}

	err := d.registry.Freeze(func(live []*Connection) error {
		ranges := Partition(totalUnits, len(live))
		plan.Assignments = make([]Assignment, len(live))
		for i, c := range live {
			plan.Assignments[i] = Assignment{Conn: c, Range: ranges[i]}
		}

		d.logger.Info("distribution started",
			zap.Int("workers", len(live)),
			zap.Int64("total_units", totalUnits),
			zap.Int("payload_bytes", len(payload)),
			zap.String("codec", d.codec.Name()),
			zap.String("mode", string(d.mode)))

		if d.mode == SendModeParallel {
			return d.sendParallel(ctx, payload, plan.Assignments)
		}
		return d.sendSequential(ctx, payload, plan.Assignments)
	})
	if err != nil {
		d.console.OnStatus(fmt.Sprintf("distribution aborted: %v", err))
		return nil, err
	}

	plan.FinishedAt = time.Now()
	d.logger.Info("distribution finished",
		zap.Int("workers", len(plan.Assignments)),
		zap.Duration("elapsed", plan.FinishedAt.Sub(plan.StartedAt)))
	return plan, nil
}

func (d *Distributor) sendSequential(ctx context.Context, payload []byte, assignments []Assignment) error {
	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.serve(a, payload); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) sendParallel(ctx context.Context, payload []byte, assignments []Assignment) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assignments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return d.serve(a, payload)
		})
	}
	return g.Wait()
}

// serve delivers payload then range to one worker.
func (d *Distributor) serve(a Assignment, payload []byte) error {
	c := a.Conn

	if err := c.SetWriteTimeout(d.writeTimeout); err != nil {
		_ = c.Close()
		return fmt.Errorf("worker %d: %w", c.ID, err)
	}
	defer func() { _ = c.SetWriteTimeout(0) }()

	n, err := d.codec.WritePayload(c, payload)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("worker %d: payload: %w", c.ID, err)
	}
	if n != len(payload) {
		_ = c.Close()
		return fmt.Errorf("worker %d: payload: %w: wrote %d of %d bytes", c.ID, ErrShortWrite, n, len(payload))
	}

	if err := d.codec.WriteRange(c, a.Range); err != nil {
		_ = c.Close()
		return fmt.Errorf("worker %d: range: %w", c.ID, err)
	}

	c.setAssigned(a.Range)
	d.logger.Debug("worker served",
		zap.Int("id", c.ID),
		zap.Int64("start", a.Range.Start),
		zap.Int64("end", a.Range.End))
	d.console.OnStatus(fmt.Sprintf("sent workload to worker %d (%s), range [%d, %d]",
		c.ID, c.Addr, a.Range.Start, a.Range.End))
	return nil
}
