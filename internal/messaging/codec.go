package messaging

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blukai/rorrelay/internal/protocol"
	"github.com/valyala/bytebufferpool"
)

var ErrFrameTooLarge = errors.New("frame too large")

// Codec reads and writes protocol frames on stream connections. it never
// retries: every error is handed back to the caller, who decides whether the
// connection survives.
type Codec struct {
	traffic *Traffic
	pool    *bytebufferpool.Pool

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewCodec constructs a codec. zero timeouts mean no deadline.
func NewCodec(traffic *Traffic, readTimeout, writeTimeout time.Duration) *Codec {
	if traffic == nil {
		traffic = NewTraffic()
	}

	return &Codec{
		traffic: traffic,
		pool:    &bytebufferpool.Pool{},

		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *Codec) Traffic() *Traffic {
	return c.traffic
}

// Send writes one frame. header and payload go out in a single write so
// concurrent writers on different connections never interleave partial
// frames.
func (c *Codec) Send(conn net.Conn, msgType protocol.MessageType, source int32, streamID uint32, payload []byte) error {
	return c.SendWithin(conn, c.writeTimeout, msgType, source, streamID, payload)
}

// SendWithin is Send with an explicit write timeout. it is used for the last
// frame of a session, which must not hold up teardown.
func (c *Codec) SendWithin(
	conn net.Conn,
	timeout time.Duration,
	msgType protocol.MessageType,
	source int32,
	streamID uint32,
	payload []byte,
) error {
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: payload %d > %d", ErrFrameTooLarge, len(payload), protocol.MaxPayloadSize)
	}

	header := protocol.Header{
		Type:     msgType,
		Source:   source,
		StreamID: streamID,
		Size:     uint32(len(payload)),
	}
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal header: %w", err)
	}

	buf := c.pool.Get()
	defer c.pool.Put(buf)
	buf.Write(headerBytes)
	buf.Write(payload)

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("could not set write deadline: %w", err)
		}
	}

	n, err := conn.Write(buf.B)
	c.traffic.AddOut(n)
	if err != nil {
		return fmt.Errorf("could not write %s frame: %w", msgType, err)
	}
	return nil
}

// Receive blocks until a complete frame arrives. frames declaring more than
// capacity payload bytes are rejected with ErrFrameTooLarge; the stream is
// out of sync after that and the connection must be dropped.
func (c *Codec) Receive(conn net.Conn, capacity int) (protocol.Message, error) {
	msg := protocol.Message{}

	if c.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return msg, fmt.Errorf("could not set read deadline: %w", err)
		}
	}

	var headerBytes [protocol.HeaderSize]byte
	if _, err := io.ReadFull(conn, headerBytes[:]); err != nil {
		return msg, fmt.Errorf("could not read header: %w", err)
	}
	if err := msg.Header.UnmarshalBinary(headerBytes[:]); err != nil {
		return msg, fmt.Errorf("could not unmarshal header: %w", err)
	}

	if int64(msg.Size) > int64(capacity) {
		return msg, fmt.Errorf("%w: %s declares %d bytes, capacity %d", ErrFrameTooLarge, msg.Type, msg.Size, capacity)
	}

	if msg.Size > 0 {
		msg.Payload = make([]byte, msg.Size)
		if _, err := io.ReadFull(conn, msg.Payload); err != nil {
			return msg, fmt.Errorf("could not read payload: %w", err)
		}
	}

	c.traffic.AddIn(protocol.HeaderSize + int(msg.Size))
	return msg, nil
}
