package master

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

const maxAcceptDelay = time.Second

// Acceptor owns the worker listener and appends every accepted socket to the
// registry.
type Acceptor struct {
	registry   *Registry
	console    Console
	logger     *zap.Logger
	maxWorkers int

	mu       sync.Mutex
	listener net.Listener

	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// AcceptorOption configures an Acceptor.
type AcceptorOption func(*Acceptor)

// WithAcceptorConsole sets the console notified on every registration.
func WithAcceptorConsole(c Console) AcceptorOption {
	return func(a *Acceptor) {
		if c != nil {
			a.console = c
		}
	}
}

// WithAcceptorLogger sets the logger.
func WithAcceptorLogger(l *zap.Logger) AcceptorOption {
	return func(a *Acceptor) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMaxWorkers caps the number of simultaneously open worker sockets.
// Zero means unlimited.
func WithMaxWorkers(n int) AcceptorOption {
	return func(a *Acceptor) {
		a.maxWorkers = n
	}
}

// NewAcceptor creates an acceptor that registers into registry.
func NewAcceptor(registry *Registry, opts ...AcceptorOption) *Acceptor {
	a := &Acceptor{
		registry: registry,
		console:  nopConsole{},
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Listen binds host:port. A bind or listen failure is returned to the caller.
func (a *Acceptor) Listen(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if a.maxWorkers > 0 {
		ln = netutil.LimitListener(ln, a.maxWorkers)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	fields := []zap.Field{zap.String("address", ln.Addr().String())}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && tcp.IP.IsUnspecified() {
		fields = append(fields, zap.String("note", "listening on all interfaces"))
	}
	a.logger.Info("worker listener bound", fields...)
	return nil
}

// Start binds host:port and runs the accept loop in the background.
func (a *Acceptor) Start(host string, port int) error {
	if err := a.Listen(host, port); err != nil {
		return err
	}
	go a.Serve()
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve runs the accept loop until Stop is called. A failed accept is logged
// and retried with a short backoff; it never ends the loop.
func (a *Acceptor) Serve() {
	defer close(a.done)

	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		a.logger.Error("accept loop started without a listener")
		return
	}

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.stopping.Load() || errors.Is(err, net.ErrClosed) {
				a.logger.Info("accept loop stopped")
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			a.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		c, err := a.registry.Append(conn)
		if err != nil {
			a.logger.Info("rejected late worker",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err))
			continue
		}

		a.logger.Info("worker registered",
			zap.Int("id", c.ID),
			zap.String("remote", c.Addr.String()))
		a.console.OnConnectionRegistered(c.Info())
	}
}

// Stop asks the accept loop to end by closing the listener. It does not wait;
// an accept already in flight may still complete.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		a.stopping.Store(true)

		a.mu.Lock()
		ln := a.listener
		a.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("failed to close listener", zap.Error(err))
			}
		}
	})
}

// Done is closed once the accept loop has returned.
func (a *Acceptor) Done() <-chan struct{} {
	return a.done
}
