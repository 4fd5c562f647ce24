package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// DefaultMaxFrame caps a single JSON frame at 1MB unless configured otherwise.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooBig is returned when a peer sends a frame above the configured
// maximum. The connection cannot be resynchronised after this and must close.
var ErrFrameTooBig = errors.New("transport: frame exceeds maximum size")

/*
Framer is one logical pipe of JSON frames: Next blocks until the peer delivers
a complete frame, WriteFrame puts one frame on the wire. Implementations are
safe for one reader plus any number of writers.
*/
type Framer interface {
	Next() ([]byte, error)
	WriteFrame(p []byte) error
	Close() error
}

/*
FrameReader splits a byte stream into newline-delimited JSON frames. Blank
lines are skipped so peers may keep-alive with bare newlines.
*/
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrame)

	return &FrameReader{scanner: scanner}
}

/*
Next returns the next non-empty frame. The returned slice is a copy, valid
after the following Next call. io.EOF signals a clean shutdown by the peer;
ErrFrameTooBig means the stream is poisoned and must be closed.
*/
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := bytes.TrimSpace(fr.scanner.Bytes())

		if len(line) == 0 {
			continue
		}

		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}

	if err := fr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooBig
		}
		return nil, err
	}

	return nil, io.EOF
}

/*
FrameWriter serialises frames onto a shared writer. A single mutex covers the
whole write so frames from concurrent goroutines never interleave.
*/
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) WriteFrame(p []byte) error {
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	buf = append(buf, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()

	_, err := fw.w.Write(buf)
	return err
}

// WriteJSON marshals v and writes it as a single frame.
func (fw *FrameWriter) WriteJSON(v any) error {
	buf, err := json.Marshal(v)

	if err != nil {
		return err
	}

	return fw.WriteFrame(buf)
}
