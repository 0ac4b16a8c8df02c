// Package screen implements the TCP screen share relay. Presenters push
// length-prefixed frames, and every frame is copied to all connected
// viewers.
//
// A connection states its role with its first byte: 'P' for presenter or
// 'V' for viewer. Older clients send no role byte. A connection that stays
// silent for RoleTimeout is treated as a viewer. Any other first byte is
// taken as the start of a presenter's first length prefix. A valid prefix
// never starts with 'P' or 'V' because frames are capped at MaxFrameSize.
package screen

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

// Role bytes.
const (
	RolePresenter byte = 'P'
	RoleViewer    byte = 'V'
)

const (
	// RoleTimeout is how long a new connection may stay silent before it is
	// treated as a viewer.
	RoleTimeout = 3 * time.Second

	// MaxFrameSize caps a single frame body.
	MaxFrameSize = 10 * 1024 * 1024

	// viewerQueueSize is how many frames may wait for a slow viewer before
	// newer ones are dropped for it.
	viewerQueueSize = 4
)

// Stats is a point-in-time snapshot of the relay counters.
type Stats struct {
	FramesRelayed    int64 `json:"frames_relayed"`
	BytesRelayed     int64 `json:"bytes_relayed"`
	Presenters       int   `json:"presenters"`
	Viewers          int   `json:"viewers"`
	TotalConnections int64 `json:"total_connections"`
	FramesDropped    int64 `json:"frames_dropped"`
}

type viewer struct {
	id   string
	conn net.Conn
	out  *transport.Sender
}

// Relay is the screen share fan-out service.
type Relay struct {
	host string
	log  *util.Logger

	mu         sync.Mutex
	viewers    map[string]*viewer
	presenters map[string]net.Conn

	traffic    util.Traffic
	totalConns atomic.Int64

	listener *net.TCPListener
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a screen share relay bound to host once started.
func New(host string) *Relay {
	return &Relay{
		host:       host,
		log:        util.NewLogger("screen"),
		viewers:    make(map[string]*viewer),
		presenters: make(map[string]net.Conn),
		quit:       make(chan struct{}),
	}
}

// Start binds port and serves until Stop is called.
func (r *Relay) Start(port int) error {
	if err := r.Listen(port); err != nil {
		return err
	}
	return r.Serve()
}

// Listen binds the TCP listener without accepting yet.
func (r *Relay) Listen(port int) error {
	ln, err := transport.ListenTCP(r.host, port)
	if err != nil {
		return err
	}
	r.listener = ln
	return nil
}

// Serve accepts presenters and viewers until Stop.
func (r *Relay) Serve() error {
	if r.listener == nil {
		return errors.New("screen relay: Serve called before Listen")
	}
	r.log.Info("listening on tcp %s", r.listener.Addr())
	return transport.AcceptLoop(r.listener, r.quit, r.handleConn)
}

// Stop closes the listener and every connection.
func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.listener != nil {
			err = r.listener.Close()
		}

		r.mu.Lock()
		for _, v := range r.viewers {
			v.out.Close()
			v.conn.Close()
		}
		for _, c := range r.presenters {
			c.Close()
		}
		r.mu.Unlock()

		r.log.Info("stopped")
	})
	return err
}

// Addr returns the bound address, or nil before Listen.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Traffic exposes the relayed frame counters for the periodic reporter.
func (r *Relay) Traffic() *util.Traffic { return &r.traffic }

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	presenters, viewers := len(r.presenters), len(r.viewers)
	var dropped int64
	for _, v := range r.viewers {
		dropped += v.out.Dropped()
	}
	r.mu.Unlock()

	return Stats{
		FramesRelayed:    r.traffic.Packets.Load(),
		BytesRelayed:     r.traffic.Bytes.Load(),
		Presenters:       presenters,
		Viewers:          viewers,
		TotalConnections: r.totalConns.Load(),
		FramesDropped:    dropped,
	}
}

func (r *Relay) handleConn(conn net.Conn) {
	defer conn.Close()
	r.totalConns.Add(1)
	id := uuid.NewString()[:8]

	role := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(RoleTimeout))
	_, err := io.ReadFull(conn, role)
	conn.SetReadDeadline(time.Time{})

	switch {
	case err != nil && transport.IsTimeout(err):
		r.serveViewer(id, conn)
	case err != nil:
		r.log.Debug("[%s] closed before choosing a role: %v", id, err)
	case role[0] == RoleViewer:
		r.serveViewer(id, conn)
	case role[0] == RolePresenter:
		r.servePresenter(id, conn, nil)
	default:
		r.servePresenter(id, conn, role)
	}
}

// servePresenter relays frames until the presenter disconnects or sends an
// oversized frame. prefix holds bytes of the first length prefix that were
// already consumed.
func (r *Relay) servePresenter(id string, conn net.Conn, prefix []byte) {
	if !r.add(func() { r.presenters[id] = conn }) {
		return
	}
	defer r.remove(func() { delete(r.presenters, id) })
	r.log.Info("[%s] presenter connected from %s", id, conn.RemoteAddr())
	defer r.log.Info("[%s] presenter disconnected", id)

	br := bufio.NewReader(conn)
	for {
		header := make([]byte, 4)
		n := copy(header, prefix)
		prefix = nil
		if _, err := io.ReadFull(br, header[n:]); err != nil {
			return
		}

		size := binary.BigEndian.Uint32(header)
		if size > MaxFrameSize {
			r.log.Warn("[%s] frame of %d bytes exceeds %d, closing", id, size, MaxFrameSize)
			return
		}

		frame := make([]byte, 4+size)
		copy(frame, header)
		if _, err := io.ReadFull(br, frame[4:]); err != nil {
			return
		}

		r.traffic.Add(int(size))
		r.broadcast(frame)
	}
}

// serveViewer registers conn for frames and holds it open until the viewer
// goes away. Reads only detect the disconnect; anything a viewer sends is
// discarded.
func (r *Relay) serveViewer(id string, conn net.Conn) {
	v := &viewer{id: id, conn: conn}
	v.out = transport.NewSender(conn, viewerQueueSize, func(err error) {
		r.log.Debug("[%s] write failed: %v", id, err)
		conn.Close()
	})
	defer v.out.Close()

	if !r.add(func() { r.viewers[id] = v }) {
		return
	}
	defer r.remove(func() { delete(r.viewers, id) })
	r.log.Info("[%s] viewer connected from %s", id, conn.RemoteAddr())
	defer r.log.Info("[%s] viewer disconnected", id)

	io.Copy(io.Discard, conn)
}

func (r *Relay) broadcast(frame []byte) {
	r.mu.Lock()
	viewers := make([]*viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		viewers = append(viewers, v)
	}
	r.mu.Unlock()

	for _, v := range viewers {
		if !v.out.Send(frame) {
			r.log.Debug("[%s] viewer behind, frame dropped", v.id)
		}
	}
}

func (r *Relay) add(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if transport.Closed(r.quit) {
		return false
	}
	fn()
	return true
}

func (r *Relay) remove(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

// EncodeFrame returns frame with its 4-byte big-endian length prefix.
func EncodeFrame(frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", len(frame), MaxFrameSize)
	}
	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	return out, nil
}
