package master

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return newConnection(1, server), client
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecFramed, c.Name())

	c, err = NewCodec(CodecRaw)
	require.NoError(t, err)
	assert.Equal(t, CodecRaw, c.Name())

	c, err = NewCodec(CodecFramed)
	require.NoError(t, err)
	assert.Equal(t, CodecFramed, c.Name())

	_, err = NewCodec("protobuf")
	assert.Error(t, err)
}

func TestRawCodec(t *testing.T) {
	conn, peer := newPipeConnection(t)
	codec := RawCodec{}

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len("SCRIPT")+len("4 6"))
		_, _ = io.ReadFull(peer, buf)
		got <- buf
	}()

	n, err := codec.WritePayload(conn, []byte("SCRIPT"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.NoError(t, codec.WriteRange(conn, Range{Start: 4, End: 6}))

	assert.Equal(t, "SCRIPT4 6", string(<-got))
}

func TestFramedCodec(t *testing.T) {
	conn, peer := newPipeConnection(t)
	codec := FramedCodec{}

	type frame struct {
		payload    []byte
		start, end int64
		err        error
	}
	got := make(chan frame, 1)
	go func() {
		var f frame
		var hdr [8]byte
		if _, f.err = io.ReadFull(peer, hdr[:]); f.err != nil {
			got <- f
			return
		}
		f.payload = make([]byte, binary.BigEndian.Uint64(hdr[:]))
		if _, f.err = io.ReadFull(peer, f.payload); f.err != nil {
			got <- f
			return
		}
		var rng [16]byte
		_, f.err = io.ReadFull(peer, rng[:])
		f.start = int64(binary.BigEndian.Uint64(rng[:8]))
		f.end = int64(binary.BigEndian.Uint64(rng[8:]))
		got <- f
	}()

	n, err := codec.WritePayload(conn, []byte("SCRIPT"))
	require.NoError(t, err)
	assert.Equal(t, 6, n, "length prefix is not counted")
	require.NoError(t, codec.WriteRange(conn, Range{Start: 0, End: -1}))

	f := <-got
	require.NoError(t, f.err)
	assert.Equal(t, "SCRIPT", string(f.payload))
	assert.Equal(t, int64(0), f.start)
	assert.Equal(t, int64(-1), f.end)
}

func TestConnectionSendInt(t *testing.T) {
	conn, peer := newPipeConnection(t)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		_, _ = io.ReadFull(peer, buf)
		got <- buf
	}()

	n, err := conn.SendInt(258)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0, 0, 1, 2}, <-got)
}

func TestConnectionTryRecv(t *testing.T) {
	conn, peer := newPipeConnection(t)
	buf := make([]byte, 16)

	n, err := conn.TryRecv(buf, 20*time.Millisecond)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrWouldBlock)

	go func() { _, _ = peer.Write([]byte("out")) }()
	n, err = conn.TryRecv(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "out", string(buf[:n]))

	require.NoError(t, peer.Close())
	n, err = conn.TryRecv(buf, time.Second)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionRecvBuf(t *testing.T) {
	conn, peer := newPipeConnection(t)

	go func() { _, _ = peer.Write([]byte("hello")) }()
	buf := make([]byte, 16)
	n, err := conn.RecvBuf(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestConnectionClosed(t *testing.T) {
	conn, _ := newPipeConnection(t)

	require.NoError(t, conn.Close())
	assert.False(t, conn.Valid())
	// Close is idempotent.
	assert.NoError(t, conn.Close())

	_, err := conn.SendBuf([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.TryRecv(make([]byte, 1), time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.RecvBuf(make([]byte, 1))
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// Closed is sticky.
	conn.setState(ConnectionStateDrained)
	assert.Equal(t, ConnectionStateClosed, conn.Info().State)
}

func TestConnectionInfo(t *testing.T) {
	conn, _ := newPipeConnection(t)

	info := conn.Info()
	assert.Equal(t, 1, info.ID)
	assert.True(t, info.Live)
	assert.Nil(t, info.Range)

	_, ok := conn.Assigned()
	assert.False(t, ok)

	conn.setAssigned(Range{Start: 4, End: 6})
	conn.addReceived(10)

	info = conn.Info()
	assert.Equal(t, ConnectionStateAssigned, info.State)
	require.NotNil(t, info.Range)
	assert.Equal(t, Range{Start: 4, End: 6}, *info.Range)
	assert.Equal(t, int64(10), info.Received)

	r, ok := conn.Assigned()
	assert.True(t, ok)
	assert.Equal(t, int64(3), r.Units())
}
