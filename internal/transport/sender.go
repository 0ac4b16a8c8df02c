package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultQueueSize is the outgoing message channel capacity per
	// connection.
	DefaultQueueSize = 64

	// WriteTimeout bounds a single write so a receiver that stopped reading
	// is eventually dropped instead of pinning its writer forever.
	WriteTimeout = 10 * time.Second
)

// Sender is a goroutine-based writer that serializes all writes to a single
// connection. Fan-out code enqueues without blocking, so one slow receiver
// never stalls delivery to the others.
type Sender struct {
	conn  net.Conn
	inbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
	onError   func(error)

	dropped atomic.Int64
}

// NewSender creates a Sender and starts its write loop. onError, if not nil,
// is called once with the first write failure, after which the Sender stops.
func NewSender(conn net.Conn, queueSize int, onError func(error)) *Sender {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Sender{
		conn:    conn,
		inbox:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		onError: onError,
	}
	go s.loop()
	return s
}

// loop is the single-writer goroutine.
func (s *Sender) loop() {
	for {
		select {
		case data := <-s.inbox:
			s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if _, err := s.conn.Write(data); err != nil {
				s.Close()
				if s.onError != nil {
					s.onError(err)
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send enqueues data without blocking. It returns false if the Sender is
// closed or its queue is full, in which case data is dropped.
func (s *Sender) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.inbox <- data:
		return true
	case <-s.done:
		return false
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (s *Sender) Dropped() int64 { return s.dropped.Load() }

// Close stops the write loop. Queued messages are discarded; the underlying
// connection is left open for its owner to close.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed once the Sender has stopped.
func (s *Sender) Done() <-chan struct{} { return s.done }
