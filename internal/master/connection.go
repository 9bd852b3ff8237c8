package master

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Range is a closed interval [Start, End] of zero-based unit indices.
// A range that covers no units has End == Start-1.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Units returns the number of units covered by the range.
func (r Range) Units() int64 {
	return r.End - r.Start + 1
}

// Empty reports whether the range covers no units.
func (r Range) Empty() bool {
	return r.Units() <= 0
}

// String renders the range as two decimal integers separated by a space.
func (r Range) String() string {
	return fmt.Sprintf("%d %d", r.Start, r.End)
}

// ConnectionState describes where a worker connection is in its lifecycle.
type ConnectionState string

const (
	// ConnectionStateWaiting indicates the worker is registered and awaiting work.
	ConnectionStateWaiting ConnectionState = "waiting"
	// ConnectionStateAssigned indicates payload and range were delivered.
	ConnectionStateAssigned ConnectionState = "assigned"
	// ConnectionStateDrained indicates the worker's output has been collected.
	ConnectionStateDrained ConnectionState = "drained"
	// ConnectionStateClosed indicates the socket was closed.
	ConnectionStateClosed ConnectionState = "closed"
)

// Connection is one accepted worker socket. Its ordinal ID is assigned at
// registration and never changes; the connection is never removed from the
// registry, only marked invalid once its socket is closed.
type Connection struct {
	ID         int
	Addr       net.Addr
	AcceptedAt time.Time

	conn net.Conn

	mu       sync.Mutex
	state    ConnectionState
	assigned *Range
	received int64

	valid     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ConnectionInfo is an immutable snapshot of a Connection for display.
type ConnectionInfo struct {
	ID         int             `json:"id"`
	Addr       string          `json:"addr"`
	AcceptedAt time.Time       `json:"accepted_at"`
	State      ConnectionState `json:"state"`
	Range      *Range          `json:"range,omitempty"`
	Received   int64           `json:"received"`
	Live       bool            `json:"live"`
}

func newConnection(id int, conn net.Conn) *Connection {
	c := &Connection{
		ID:         id,
		Addr:       conn.RemoteAddr(),
		AcceptedAt: time.Now(),
		conn:       conn,
		state:      ConnectionStateWaiting,
	}
	c.valid.Store(true)
	return c
}

// Valid reports whether the socket is still open.
func (c *Connection) Valid() bool {
	return c.valid.Load()
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConnectionInfo{
		ID:         c.ID,
		AcceptedAt: c.AcceptedAt,
		State:      c.state,
		Received:   c.received,
		Live:       c.valid.Load(),
	}
	if c.Addr != nil {
		info.Addr = c.Addr.String()
	}
	if c.assigned != nil {
		r := *c.assigned
		info.Range = &r
	}
	return info
}

// Assigned returns the range delivered to this connection, if any.
func (c *Connection) Assigned() (Range, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assigned == nil {
		return Range{}, false
	}
	return *c.assigned, true
}

func (c *Connection) setAssigned(r Range) {
	c.mu.Lock()
	c.assigned = &r
	c.state = ConnectionStateAssigned
	c.mu.Unlock()
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state != ConnectionStateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Connection) addReceived(n int) {
	c.mu.Lock()
	c.received += int64(n)
	c.mu.Unlock()
}

// SetWriteTimeout bounds subsequent sends; zero clears the deadline.
func (c *Connection) SetWriteTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.SetWriteDeadline(time.Now().Add(d))
}

// SendBuf writes buf to the worker and returns the number of bytes written.
func (c *Connection) SendBuf(buf []byte) (int, error) {
	if !c.Valid() {
		return 0, ErrConnectionClosed
	}
	return c.conn.Write(buf)
}

// SendInt writes v as a 4-byte big-endian integer.
func (c *Connection) SendInt(v int32) (int, error) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return c.SendBuf(b[:])
}

// SendInt64 writes v as an 8-byte big-endian integer.
func (c *Connection) SendInt64(v int64) (int, error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return c.SendBuf(b[:])
}

// RecvBuf blocks until at least one byte is read into buf, the peer closes
// (io.EOF), or the socket fails.
func (c *Connection) RecvBuf(buf []byte) (int, error) {
	if !c.Valid() {
		return 0, ErrConnectionClosed
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, err
	}
	return c.conn.Read(buf)
}

// TryRecv reads whatever arrives within wait. It returns ErrWouldBlock when
// nothing was ready and io.EOF when the peer closed its write side.
func (c *Connection) TryRecv(buf []byte, wait time.Duration) (int, error) {
	if !c.Valid() {
		return 0, ErrConnectionClosed
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(buf)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		err = ErrWouldBlock
	}
	if n == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

// Close closes the socket exactly once and marks the connection invalid.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.valid.Store(false)
		c.mu.Lock()
		c.state = ConnectionStateClosed
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
