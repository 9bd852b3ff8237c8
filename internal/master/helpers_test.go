package master

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingConsole captures console callbacks for assertions.
type recordingConsole struct {
	mu         sync.Mutex
	registered []ConnectionInfo
	status     []string
}

func (c *recordingConsole) OnConnectionRegistered(info ConnectionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, info)
}

func (c *recordingConsole) OnStatus(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = append(c.status, text)
}

func (c *recordingConsole) Registered() []ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConnectionInfo(nil), c.registered...)
}

func (c *recordingConsole) Status() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.status...)
}

// bufferSink is an in-memory Sink.
type bufferSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (s *bufferSink) Name() string { return "buffer" }

func (s *bufferSink) Append(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.buf.Write(p)
}

func (s *bufferSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// shortConn reports one byte fewer than asked on every write.
type shortConn struct {
	net.Conn
}

func (c shortConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.Conn.Write(p[:len(p)-1])
	return n, err
}

// pipePair registers n in-memory peers and returns the peer ends in
// registration order.
func pipePair(t *testing.T, registry *Registry, n int) []net.Conn {
	t.Helper()
	peers := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		server, client := net.Pipe()
		t.Cleanup(func() {
			_ = server.Close()
			_ = client.Close()
		})
		_, err := registry.Append(server)
		require.NoError(t, err)
		peers[i] = client
	}
	return peers
}

// testMasterConfig returns a config bound to an ephemeral loopback port with
// short collection bounds.
func testMasterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.WriteTimeout = 5 * time.Second
	cfg.Collector = CollectorConfig{
		BufferSize:   64,
		PollInterval: 50 * time.Millisecond,
		Backoff:      10 * time.Millisecond,
		MaxWait:      500 * time.Millisecond,
	}
	return cfg
}

func startMaster(t *testing.T, cfg *Config, sink Sink, console Console) *Master {
	t.Helper()
	m, err := NewMaster(cfg, sink, console, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

// dialWorker connects a peer and waits until the master has registered it,
// so registration order matches dial order.
func dialWorker(t *testing.T, m *Master) net.Conn {
	t.Helper()
	want := m.Registry().Size() + 1

	conn, err := net.DialTimeout("tcp", m.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = m.WaitForWorkers(ctx, want)
	require.NoError(t, err, "worker %d was never registered", want)
	return conn
}
