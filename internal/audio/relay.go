// Package audio implements the UDP audio relay. Senders' PCM chunks are
// buffered per participant and, every mix tick, each participant receives
// the average of everyone else's audio.
package audio

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/registry"
	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

const (
	// BufferSize is the largest datagram the relay reads.
	BufferSize = 8192

	// MixInterval is the mixer tick.
	MixInterval = 20 * time.Millisecond
)

// Stats is a point-in-time snapshot of the relay counters.
type Stats struct {
	ActiveParticipants int   `json:"active_participants"`
	PacketsReceived    int64 `json:"packets_received"`
	BytesReceived      int64 `json:"bytes_received"`
	MixedPacketsSent   int64 `json:"mixed_packets_sent"`
	ChunksDropped      int64 `json:"chunks_dropped"`
}

// participant is the mixer-side state of one sender.
type participant struct {
	pending ring
	seq     protocol.SeqGen
}

// Relay is the audio mixing service.
type Relay struct {
	host string
	log  *util.Logger

	participants *registry.Registry[netip.AddrPort]

	mu      sync.Mutex
	buffers map[netip.AddrPort]*participant

	traffic util.Traffic
	mixed   atomic.Int64
	dropped atomic.Int64

	conn     *net.UDPConn
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates an audio relay bound to host once started.
func New(host string) *Relay {
	return &Relay{
		host:         host,
		log:          util.NewLogger("audio"),
		participants: registry.New[netip.AddrPort](),
		buffers:      make(map[netip.AddrPort]*participant),
		quit:         make(chan struct{}),
	}
}

// Start binds port and serves until Stop is called.
func (r *Relay) Start(port int) error {
	if err := r.Listen(port); err != nil {
		return err
	}
	return r.Serve()
}

// Listen binds the UDP socket without serving it yet.
func (r *Relay) Listen(port int) error {
	conn, err := transport.ListenUDP(r.host, port)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// Serve runs the receive loop, the mixer and the janitor. It blocks until
// Stop.
func (r *Relay) Serve() error {
	if r.conn == nil {
		return errors.New("audio relay: Serve called before Listen")
	}
	r.log.Info("listening on udp %s", r.conn.LocalAddr())

	go r.runMixer()
	go r.participants.RunJanitor(r.quit, registry.EvictionInterval, registry.ParticipantTTL, func(p netip.AddrPort) {
		r.mu.Lock()
		delete(r.buffers, p)
		r.mu.Unlock()
		r.log.Info("evicted inactive participant %s", p)
	})

	transport.ReadLoop(r.conn, r.quit, BufferSize, r.handleDatagram, func(err error) {
		r.log.Debug("receive error: %v", err)
	})
	return nil
}

// Stop signals every loop to exit and closes the socket.
func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.conn != nil {
			err = r.conn.Close()
		}
		r.log.Info("stopped")
	})
	return err
}

// Addr returns the bound address, or nil before Listen.
func (r *Relay) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Traffic exposes the inbound counters for the periodic reporter.
func (r *Relay) Traffic() *util.Traffic { return &r.traffic }

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		ActiveParticipants: r.participants.Len(),
		PacketsReceived:    r.traffic.Packets.Load(),
		BytesReceived:      r.traffic.Bytes.Load(),
		MixedPacketsSent:   r.mixed.Load(),
		ChunksDropped:      r.dropped.Load(),
	}
}

func (r *Relay) handleDatagram(data []byte, from netip.AddrPort) {
	env, err := protocol.Decode(data)
	if err != nil {
		r.log.Debug("dropped datagram from %s: %v", from, err)
		return
	}
	r.traffic.Add(len(data))

	if env.Type == protocol.TypeDisconnect {
		r.participants.Remove(from)
		r.mu.Lock()
		delete(r.buffers, from)
		r.mu.Unlock()
		r.log.Info("participant left: %s", from)
		return
	}

	if r.participants.Touch(from) {
		r.log.Info("participant joined: %s (total %d)", from, r.participants.Len())
	}

	r.mu.Lock()
	p, ok := r.buffers[from]
	if !ok {
		p = &participant{}
		r.buffers[from] = p
	}
	// An empty chunk only registers the sender as a listener.
	if len(env.Payload) == 0 {
		r.mu.Unlock()
		return
	}
	if p.pending.push(env.Payload) {
		r.dropped.Add(1)
	}
	r.mu.Unlock()
}

func (r *Relay) runMixer() {
	ticker := time.NewTicker(MixInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.mixTick()
		case <-r.quit:
			return
		}
	}
}

// mixTick pops one chunk per sender and sends every participant the mix of
// the other senders' chunks. Fewer than two senders with audio means there
// is nothing to mix and the tick is skipped.
func (r *Relay) mixTick() {
	r.mu.Lock()
	ready := 0
	for _, p := range r.buffers {
		if p.pending.len() > 0 {
			ready++
		}
	}
	if ready < 2 {
		r.mu.Unlock()
		return
	}

	tick := make(map[netip.AddrPort][]byte, ready)
	for addr, p := range r.buffers {
		if chunk := p.pending.pop(); chunk != nil {
			tick[addr] = chunk
		}
	}
	r.mu.Unlock()

	for _, target := range r.participants.All() {
		mixed := mixFor(tick, target)
		if len(mixed) == 0 {
			continue
		}

		data, err := protocol.EncodeSeq(protocol.TypeAudio, r.nextSeq(target), mixed)
		if err != nil {
			r.log.Warn("encode mix for %s: %v", target, err)
			continue
		}
		if _, err := r.conn.WriteToUDPAddrPort(data, target); err != nil {
			r.log.Debug("send mix to %s failed: %v", target, err)
			continue
		}
		r.mixed.Add(1)
	}
}

// nextSeq returns the next outbound sequence for target, or 0 when target
// was evicted after the tick's snapshot. It never creates an entry.
func (r *Relay) nextSeq(target netip.AddrPort) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.buffers[target]
	if !ok {
		return 0
	}
	return p.seq.Next()
}
