// Package rfc6242 implements the NETCONF base:1.0 end-of-message framing
// described in RFC 6242 §4.1: messages are delimited on the wire by the
// literal byte sequence "]]>]]>". Chunked framing (RFC 6242 §4.2, used by
// base:1.1) is out of scope; PeerSupportsChunkedFraming in the common
// package exists only to detect the mismatch, never to switch codecs.
package rfc6242

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Delimiter is the RFC 6242 §4.1 end-of-message marker.
var Delimiter = []byte("]]>]]>")

// minScanBufferSize is the floor for the Decoder's accumulation buffer.
const minScanBufferSize = 8 * 1024

// Sentinel errors returned by Decoder.ReadMessage. Callers should compare
// with errors.Is rather than matching on message text.
var (
	// ErrTimeout is returned when deadline elapses before a delimiter appears.
	ErrTimeout = errors.New("rfc6242: timeout waiting for end-of-message delimiter")
	// ErrClosed is returned when the underlying stream reaches EOF before a delimiter.
	ErrClosed = errors.New("rfc6242: stream closed before end-of-message delimiter")
)

// TransportError wraps a lower-level I/O failure encountered while reading.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return "rfc6242: transport error: " + e.Cause.Error() }
func (e *TransportError) Unwrap() error { return e.Cause }

type chunk struct {
	b   []byte
	err error
}

// Decoder splits a byte stream on the RFC 6242 §4.1 delimiter. It is not
// safe for concurrent use, beyond the single background pump goroutine it
// launches internally.
type Decoder struct {
	pending []byte
	chunks  chan chunk
}

// NewDecoder creates a Decoder reading from r. A background goroutine pumps
// bytes from r into an internal channel so that ReadMessage can poll
// cooperatively against a deadline instead of blocking indefinitely on r.Read.
func NewDecoder(r io.Reader) *Decoder {
	d := &Decoder{chunks: make(chan chunk, 64)}
	go d.pump(r)
	return d
}

func (d *Decoder) pump(r io.Reader) {
	buf := make([]byte, minScanBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			d.chunks <- chunk{b: cp}
		}
		if err != nil {
			d.chunks <- chunk{err: err}
			return
		}
	}
}

// ReadMessage reads from the stream until the end-of-message delimiter is
// seen or deadline elapses, returning the bytes preceding the delimiter with
// the delimiter itself stripped.
//
// When no bytes are currently available, the loop yields for roughly a tenth
// of the remaining time budget before re-checking both the accumulated
// buffer and the deadline, rather than busy-waiting.
func (d *Decoder) ReadMessage(deadline time.Time) ([]byte, error) {
	for {
		if idx := bytes.Index(d.pending, Delimiter); idx >= 0 {
			msg := d.pending[:idx]
			d.pending = d.pending[idx+len(Delimiter):]
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		select {
		case c, ok := <-d.chunks:
			if !ok {
				return nil, ErrClosed
			}
			if c.err != nil {
				if c.err == io.EOF {
					return nil, ErrClosed
				}
				return nil, &TransportError{Cause: c.err}
			}
			d.pending = append(d.pending, c.b...)
		case <-time.After(yieldInterval(remaining)):
			// Cooperative yield; loop back and re-check buffer and deadline.
		}
	}
}

func yieldInterval(remaining time.Duration) time.Duration {
	tenth := remaining / 10
	if tenth <= 0 {
		return remaining
	}
	return tenth
}

// Encoder writes framed outbound messages to an underlying writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteMessage appends the RFC 6242 §4.1 delimiter to payload and flushes
// the result to the underlying writer. payload MUST already be complete,
// well-formed XML; WriteMessage performs no escaping.
func (e *Encoder) WriteMessage(payload []byte) error {
	framed := make([]byte, 0, len(payload)+len(Delimiter))
	framed = append(framed, payload...)
	framed = append(framed, Delimiter...)

	if _, err := e.w.Write(framed); err != nil {
		return &TransportError{Cause: err}
	}
	return nil
}
