package master

import (
	"fmt"
)

const (
	// CodecRaw sends the payload unframed and the range as "start end" text.
	CodecRaw = "raw"
	// CodecFramed prefixes the payload with its 8-byte length and sends the
	// range as two 8-byte big-endian integers.
	CodecFramed = "framed"
)

// Codec writes the distribution phase onto a worker connection.
type Codec interface {
	// Name returns the codec identifier.
	Name() string

	// WritePayload sends the workload and returns how many payload bytes
	// reached the socket. Framing bytes are not counted.
	WritePayload(c *Connection, payload []byte) (int, error)

	// WriteRange sends the assigned range.
	WriteRange(c *Connection, r Range) error
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case CodecRaw:
		return RawCodec{}, nil
	case CodecFramed, "":
		return FramedCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// RawCodec speaks the unframed protocol: the worker must already know the
// payload length and read the range text without a delimiter.
type RawCodec struct{}

// Name implements Codec.
func (RawCodec) Name() string { return CodecRaw }

// WritePayload implements Codec.
func (RawCodec) WritePayload(c *Connection, payload []byte) (int, error) {
	return c.SendBuf(payload)
}

// WriteRange implements Codec.
func (RawCodec) WriteRange(c *Connection, r Range) error {
	text := r.String()
	n, err := c.SendBuf([]byte(text))
	if err != nil {
		return err
	}
	if n != len(text) {
		return fmt.Errorf("range: %w: wrote %d of %d bytes", ErrShortWrite, n, len(text))
	}
	return nil
}

// FramedCodec length-prefixes every field so workers need no out-of-band
// knowledge of sizes.
type FramedCodec struct{}

// Name implements Codec.
func (FramedCodec) Name() string { return CodecFramed }

// WritePayload implements Codec.
func (FramedCodec) WritePayload(c *Connection, payload []byte) (int, error) {
	if _, err := c.SendInt64(int64(len(payload))); err != nil {
		return 0, err
	}
	return c.SendBuf(payload)
}

// WriteRange implements Codec.
func (FramedCodec) WriteRange(c *Connection, r Range) error {
	if _, err := c.SendInt64(r.Start); err != nil {
		return err
	}
	_, err := c.SendInt64(r.End)
	return err
}
