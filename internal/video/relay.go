// Package video implements the UDP video relay: every datagram from a
// registered participant is forwarded unchanged to all other participants.
package video

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/registry"
	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

// BufferSize is the largest datagram the relay reads.
const BufferSize = 65536

// RegisterPayload is the payload of a registration probe. It marks the sender
// as a participant and is never forwarded.
var RegisterPayload = []byte("REGISTER")

// Stats is a point-in-time snapshot of the relay counters.
type Stats struct {
	ActiveParticipants int   `json:"active_participants"`
	PacketsReceived    int64 `json:"packets_received"`
	BytesReceived      int64 `json:"bytes_received"`
	PacketsForwarded   int64 `json:"packets_forwarded"`
	Registrations      int64 `json:"registrations"`
	UniqueHosts        int   `json:"unique_hosts"`
}

// Relay is the video fan-out service.
type Relay struct {
	host string
	log  *util.Logger

	participants *registry.Registry[netip.AddrPort]

	traffic       util.Traffic
	forwarded     atomic.Int64
	registrations atomic.Int64

	hostsMu sync.Mutex
	hosts   map[netip.Addr]struct{}

	conn     *net.UDPConn
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a relay bound to host (empty for every interface) once
// started.
func New(host string) *Relay {
	return &Relay{
		host:         host,
		log:          util.NewLogger("video"),
		participants: registry.New[netip.AddrPort](),
		hosts:        make(map[netip.Addr]struct{}),
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

// Serve runs the receive loop and the janitor. It blocks until Stop.
func (r *Relay) Serve() error {
	if r.conn == nil {
		return errors.New("video relay: Serve called before Listen")
	}
	r.log.Info("listening on udp %s", r.conn.LocalAddr())

	go r.participants.RunJanitor(r.quit, registry.EvictionInterval, registry.ParticipantTTL, func(p netip.AddrPort) {
		r.log.Info("evicted inactive participant %s", p)
	})

	transport.ReadLoop(r.conn, r.quit, BufferSize, r.handleDatagram, func(err error) {
		r.log.Debug("receive error: %v", err)
	})
	return nil
}

// Stop signals the loops to exit and closes the socket. It is safe to call
// more than once.
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
	r.hostsMu.Lock()
	hosts := len(r.hosts)
	r.hostsMu.Unlock()

	return Stats{
		ActiveParticipants: r.participants.Len(),
		PacketsReceived:    r.traffic.Packets.Load(),
		BytesReceived:      r.traffic.Bytes.Load(),
		PacketsForwarded:   r.forwarded.Load(),
		Registrations:      r.registrations.Load(),
		UniqueHosts:        hosts,
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
		if r.participants.Remove(from) {
			r.log.Info("participant left: %s", from)
		}
		return
	}

	if r.participants.Touch(from) {
		r.hostsMu.Lock()
		r.hosts[from.Addr()] = struct{}{}
		r.hostsMu.Unlock()
		r.log.Info("participant joined: %s (total %d)", from, r.participants.Len())
	}

	if string(env.Payload) == string(RegisterPayload) {
		r.registrations.Add(1)
		return
	}

	r.forward(data, from)
}

// forward sends the raw datagram to every participant except the sender. A
// failed send evicts that recipient only.
func (r *Relay) forward(data []byte, from netip.AddrPort) {
	for _, peer := range r.participants.All() {
		if peer == from {
			continue
		}
		if _, err := r.conn.WriteToUDPAddrPort(data, peer); err != nil {
			r.participants.Remove(peer)
			r.log.Warn("send to %s failed, evicted: %v", peer, err)
			continue
		}
		r.forwarded.Add(1)
	}
}
