package protocol

import (
	"errors"
	"fmt"
	"io"
)

// readChunkSize is how much a Reader pulls from its source per read.
const readChunkSize = 32 * 1024

// StreamBuffer accumulates bytes from a stream transport and slices complete
// envelopes off the front. It is not safe for concurrent use.
type StreamBuffer struct {
	buf []byte
	off int
}

// Write appends received bytes.
func (s *StreamBuffer) Write(p []byte) {
	if s.off > 0 && s.off >= len(s.buf)/2 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	s.buf = append(s.buf, p...)
}

// Len returns the number of buffered, unconsumed bytes.
func (s *StreamBuffer) Len() int { return len(s.buf) - s.off }

// Next returns the next complete envelope, or (nil, nil) when more bytes are
// needed. When the header at the front is unusable it discards exactly one
// byte and returns a *FramingError or *VersionError; the caller may call Next
// again to resume parsing.
func (s *StreamBuffer) Next() (*Envelope, error) {
	data := s.buf[s.off:]
	if len(data) < HeaderSize {
		return nil, nil
	}

	h, _ := PeekHeader(data)
	if h.Version != Version {
		s.off++
		return nil, &VersionError{Got: h.Version}
	}
	if h.PayloadLength > MaxMessageSize {
		s.off++
		return nil, &FramingError{Reason: fmt.Sprintf("declared payload %d exceeds limit %d", h.PayloadLength, MaxMessageSize)}
	}

	total := HeaderSize + int(h.PayloadLength)
	if len(data) < total {
		return nil, nil
	}

	env, err := Decode(data[:total])
	s.off += total
	if s.off == len(s.buf) {
		s.buf = s.buf[:0]
		s.off = 0
	}
	return env, err
}

// Reader pulls envelopes off a byte stream.
type Reader struct {
	r   io.Reader
	sb  StreamBuffer
	buf []byte
}

// NewReader returns a Reader framing envelopes from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, readChunkSize)}
}

// Next blocks until a complete envelope is available. Framing and version
// errors are returned as-is after one byte has been skipped, so the caller
// can keep reading. io.EOF is returned on a clean end of stream; any other
// read failure comes back as a *TransportError.
func (r *Reader) Next() (*Envelope, error) {
	for {
		env, err := r.sb.Next()
		if env != nil || err != nil {
			return env, err
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.sb.Write(r.buf[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
	}
}

// Buffered returns the number of bytes read from the source but not yet
// consumed as envelopes.
func (r *Reader) Buffered() int { return r.sb.Len() }

// IsRecoverable reports whether err is a per-message error that a stream
// consumer can skip past.
func IsRecoverable(err error) bool {
	var fe *FramingError
	var ve *VersionError
	return errors.As(err, &fe) || errors.As(err, &ve)
}
