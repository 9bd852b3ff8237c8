package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds the configuration for a master node.
type Config struct {
	// Host is the bind address for the worker listener.
	Host string

	// Port is the worker listener port. Zero picks a free port.
	Port int

	// MaxWorkers caps simultaneously open worker sockets. Zero means unlimited.
	MaxWorkers int

	// Codec names the wire codec: raw or framed.
	Codec string

	// SendMode selects sequential or parallel distribution.
	SendMode SendMode

	// WriteTimeout bounds each worker's sends. Zero means no bound.
	WriteTimeout time.Duration

	// Collector tunes the collection phase.
	Collector CollectorConfig
}

// DefaultConfig returns a default master configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8000,
		Codec:        CodecFramed,
		SendMode:     SendModeSequential,
		WriteTimeout: 30 * time.Second,
		Collector:    DefaultCollectorConfig(),
	}
}

// MasterState represents the state of the master node.
type MasterState string

const (
	// MasterStateStopped indicates the master is not accepting workers.
	MasterStateStopped MasterState = "stopped"
	// MasterStateAccepting indicates workers may register.
	MasterStateAccepting MasterState = "accepting"
	// MasterStateDistributing indicates the send phase is running.
	MasterStateDistributing MasterState = "distributing"
	// MasterStateCollecting indicates worker output is being drained.
	MasterStateCollecting MasterState = "collecting"
	// MasterStateFinished indicates the round is complete.
	MasterStateFinished MasterState = "finished"
	// MasterStateFailed indicates the round was aborted.
	MasterStateFailed MasterState = "failed"
	// MasterStateStopping indicates the master is shutting down.
	MasterStateStopping MasterState = "stopping"
)

// Status is a point-in-time view of the master.
type Status struct {
	State       MasterState `json:"state"`
	Address     string      `json:"address"`
	Workers     int         `json:"workers"`
	Live        int         `json:"live"`
	PayloadSize int         `json:"payload_size"`
	Distributed bool        `json:"distributed"`
	Sealed      bool        `json:"sealed"`
}

// Master wires the acceptor, distributor and collector around one registry.
// A master serves exactly one workload round over its lifetime.
type Master struct {
	config *Config

	registry    *Registry
	acceptor    *Acceptor
	distributor *Distributor
	collector   *Collector

	sink    Sink
	console Console
	logger  *zap.Logger

	mu      sync.RWMutex
	payload []byte
	plan    *Plan
	report  *Report

	state    atomic.Value // MasterState
	started  atomic.Bool
	round    atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}

	finishOnce sync.Once
	finished   chan struct{}
}

// NewMaster creates a master. console and logger may be nil.
func NewMaster(config *Config, sink Sink, console Console, logger *zap.Logger) (*Master, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if sink == nil {
		return nil, fmt.Errorf("master requires an output sink")
	}
	if console == nil {
		console = nopConsole{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := NewCodec(config.Codec)
	if err != nil {
		return nil, err
	}
	mode, err := ParseSendMode(string(config.SendMode))
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	acceptor := NewAcceptor(registry,
		WithAcceptorConsole(console),
		WithAcceptorLogger(logger.Named("acceptor")),
		WithMaxWorkers(config.MaxWorkers))
	distributor := NewDistributor(registry, acceptor,
		WithCodec(codec),
		WithSendMode(mode),
		WithWriteTimeout(config.WriteTimeout),
		WithDistributorConsole(console),
		WithDistributorLogger(logger.Named("distributor")))
	collector := NewCollector(registry, sink, config.Collector, console, logger.Named("collector"))

	m := &Master{
		config:      config,
		registry:    registry,
		acceptor:    acceptor,
		distributor: distributor,
		collector:   collector,
		sink:        sink,
		console:     console,
		logger:      logger,
		stopped:     make(chan struct{}),
		finished:    make(chan struct{}),
	}
	m.state.Store(MasterStateStopped)
	return m, nil
}

// LoadWorkload reads the payload file in full. A missing or empty file is an error.
func (m *Master) LoadWorkload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read workload: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("workload %s: %w: file is empty", path, ErrNoWorkload)
	}
	m.SetPayload(data)
	m.logger.Info("workload loaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// SetPayload replaces the workload bytes sent to every worker.
func (m *Master) SetPayload(payload []byte) {
	m.mu.Lock()
	m.payload = payload
	m.mu.Unlock()
}

// Payload returns the loaded workload.
func (m *Master) Payload() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payload
}

// Start binds the worker listener and begins accepting in the background.
func (m *Master) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("master already started")
	}
	if err := m.acceptor.Start(m.config.Host, m.config.Port); err != nil {
		m.started.Store(false)
		return err
	}
	m.state.Store(MasterStateAccepting)
	return nil
}

// Stop closes the listener and every worker socket. It waits for the accept
// loop to exit or ctx to end.
func (m *Master) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.state.Store(MasterStateStopping)
		m.acceptor.Stop()

		if m.started.Load() {
			select {
			case <-m.acceptor.Done():
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		m.registry.CloseAll()
		m.state.Store(MasterStateStopped)
		close(m.stopped)
		m.logger.Info("master stopped")
	})
	return err
}

// Done is closed once Stop has completed.
func (m *Master) Done() <-chan struct{} {
	return m.stopped
}

// Addr returns the bound worker listener address, or nil before Start.
func (m *Master) Addr() net.Addr {
	return m.acceptor.Addr()
}

// Registry returns the worker registry.
func (m *Master) Registry() *Registry {
	return m.registry
}

// Workers returns display snapshots of every registered worker.
func (m *Master) Workers() []ConnectionInfo {
	return m.registry.Infos()
}

// State returns the current master state.
func (m *Master) State() MasterState {
	return m.state.Load().(MasterState)
}

// Status returns a point-in-time view of the master.
func (m *Master) Status() Status {
	s := Status{
		State:       m.State(),
		Distributed: m.round.Load(),
		Sealed:      m.registry.Sealed(),
		PayloadSize: len(m.Payload()),
	}
	if addr := m.Addr(); addr != nil {
		s.Address = addr.String()
	}
	for _, c := range m.registry.Snapshot() {
		s.Workers++
		if c.Valid() {
			s.Live++
		}
	}
	return s
}

// WaitForWorkers blocks until at least n workers have registered or ctx ends.
func (m *Master) WaitForWorkers(ctx context.Context, n int) (int, error) {
	known := m.registry.Size()
	for known < n {
		if err := ctx.Err(); err != nil {
			return known, err
		}
		known, _ = m.registry.WaitForGrowth(known, 100*time.Millisecond)
	}
	return known, nil
}

// Distribute sends the payload and ranges to every live worker. It may run
// once per master; later calls fail with ErrAlreadyDistributed. A call refused
// with ErrNoConnections does not use up the round.
func (m *Master) Distribute(ctx context.Context, totalUnits int64) (*Plan, error) {
	if !m.started.Load() {
		return nil, ErrMasterNotStarted
	}
	payload := m.Payload()
	if len(payload) == 0 {
		return nil, ErrNoWorkload
	}
	if m.round.Load() {
		return nil, ErrAlreadyDistributed
	}
	if m.registry.LiveCount() == 0 {
		m.console.OnStatus(fmt.Sprintf("distribution refused: %v", ErrNoConnections))
		return nil, ErrNoConnections
	}
	if !m.round.CompareAndSwap(false, true) {
		return nil, ErrAlreadyDistributed
	}

	m.state.Store(MasterStateDistributing)
	m.console.OnStatus(fmt.Sprintf("distributing %d units to %d registered workers", totalUnits, m.registry.Size()))

	plan, err := m.distributor.Distribute(ctx, payload, totalUnits)
	if errors.Is(err, ErrNoConnections) {
		// Every worker left before the send phase; nothing was delivered.
		m.round.Store(false)
		m.state.Store(MasterStateAccepting)
		return nil, err
	}
	if err != nil {
		m.state.Store(MasterStateFailed)
		m.logger.Error("distribution failed", zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()
	return plan, nil
}

// Collect drains every distributed worker into the sink.
func (m *Master) Collect(ctx context.Context) (*Report, error) {
	m.mu.RLock()
	plan := m.plan
	m.mu.RUnlock()
	if plan == nil {
		return nil, ErrNotDistributed
	}

	m.state.Store(MasterStateCollecting)
	report, err := m.collector.Collect(ctx, plan)

	m.mu.Lock()
	m.report = report
	m.mu.Unlock()
	defer m.finishOnce.Do(func() { close(m.finished) })

	if err != nil {
		m.state.Store(MasterStateFailed)
		m.logger.Error("collection failed", zap.Error(err))
		return report, err
	}

	m.state.Store(MasterStateFinished)
	m.console.OnStatus(fmt.Sprintf("round %s finished: %d bytes from %d workers",
		report.RoundID, report.TotalBytes, len(report.Workers)))
	return report, nil
}

// TriggerDistribution runs a full round: distribute then collect.
func (m *Master) TriggerDistribution(ctx context.Context, totalUnits int64) (*Report, error) {
	if _, err := m.Distribute(ctx, totalUnits); err != nil {
		return nil, err
	}
	return m.Collect(ctx)
}

// Finished is closed once the round's collection has ended, successfully or
// not. Report then holds whatever was collected.
func (m *Master) Finished() <-chan struct{} {
	return m.finished
}

// Report returns the finished round's report, or nil.
func (m *Master) Report() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}
