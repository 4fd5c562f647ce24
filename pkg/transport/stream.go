package transport

import (
	"net"
)

/*
Stream binds both halves of a net.Conn into a Framer: newline-framed JSON
objects in, newline-framed JSON objects out. This is the transport every
tcp and tls listener hands to the switch.
*/
type Stream struct {
	reader *FrameReader
	writer *FrameWriter
	conn   net.Conn
}

/*
NewStream wraps an established connection. maxFrame bounds the size of a
single inbound frame; zero selects DefaultMaxFrame.
*/
func NewStream(conn net.Conn, maxFrame int) *Stream {
	return &Stream{
		reader: NewFrameReader(conn, maxFrame),
		writer: NewFrameWriter(conn),
		conn:   conn,
	}
}

func (stream *Stream) Next() ([]byte, error) {
	return stream.reader.Next()
}

func (stream *Stream) WriteFrame(p []byte) error {
	return stream.writer.WriteFrame(p)
}

/*
Close tears down the underlying connection. Closing unblocks a pending Next,
which is how the switch interrupts a read loop from another goroutine.
*/
func (stream *Stream) Close() error {
	return stream.conn.Close()
}

// RemoteAddr reports the peer address for logging and the client table.
func (stream *Stream) RemoteAddr() string {
	return stream.conn.RemoteAddr().String()
}
