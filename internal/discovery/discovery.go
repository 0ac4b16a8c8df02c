// Package discovery lets clients find a relay on the local network by UDP
// broadcast.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

// Probe and reply payloads.
var (
	ProbeMessage    = []byte("DISCOVER_SERVERS")
	ResponseMessage = []byte("SERVER_RESPONSE")
)

// DefaultWait is how long Discover collects replies.
const DefaultWait = time.Second

// Responder answers discovery probes.
type Responder struct {
	host string
	log  *util.Logger

	answered atomic.Int64

	conn     *net.UDPConn
	quit     chan struct{}
	stopOnce sync.Once
}

// NewResponder creates a responder bound to host once started.
func NewResponder(host string) *Responder {
	return &Responder{
		host: host,
		log:  util.NewLogger("discovery"),
		quit: make(chan struct{}),
	}
}

// Start binds port and answers probes until Stop.
func (d *Responder) Start(port int) error {
	if err := d.Listen(port); err != nil {
		return err
	}
	return d.Serve()
}

// Listen binds the UDP socket without serving it yet.
func (d *Responder) Listen(port int) error {
	conn, err := transport.ListenUDP(d.host, port)
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

// Serve answers probes until Stop.
func (d *Responder) Serve() error {
	if d.conn == nil {
		return errors.New("discovery: Serve called before Listen")
	}
	d.log.Info("answering probes on udp %s", d.conn.LocalAddr())

	transport.ReadLoop(d.conn, d.quit, 1024, func(buf []byte, from netip.AddrPort) {
		if !bytes.Equal(buf, ProbeMessage) {
			return
		}
		if _, err := d.conn.WriteToUDPAddrPort(ResponseMessage, from); err != nil {
			d.log.Debug("reply to %s failed: %v", from, err)
			return
		}
		d.answered.Add(1)
		d.log.Debug("answered probe from %s", from)
	}, nil)
	return nil
}

// Stop closes the socket.
func (d *Responder) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.quit)
		if d.conn != nil {
			err = d.conn.Close()
		}
	})
	return err
}

// Addr returns the bound address, or nil before Listen.
func (d *Responder) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Answered returns how many probes were answered.
func (d *Responder) Answered() int64 { return d.answered.Load() }

// BroadcastTarget returns the limited-broadcast address for port.
func BroadcastTarget(port int) string {
	return fmt.Sprintf("255.255.255.255:%d", port)
}

// Discover sends a probe to target (usually BroadcastTarget) and returns the
// sorted, de-duplicated IPs that answered within wait.
func Discover(ctx context.Context, target string, wait time.Duration) ([]string, error) {
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, err
	}

	conn, err := transport.ListenBroadcast()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP(ProbeMessage, dst); err != nil {
		return nil, fmt.Errorf("send probe: %w", err)
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	seen := make(map[string]struct{})
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				break
			}
			return nil, fmt.Errorf("read reply: %w", err)
		}
		if bytes.Equal(buf[:n], ResponseMessage) {
			seen[from.Addr().Unmap().String()] = struct{}{}
		}
		if ctx.Err() != nil {
			break
		}
	}

	servers := make([]string, 0, len(seen))
	for ip := range seen {
		servers = append(servers, ip)
	}
	sort.Strings(servers)
	return servers, nil
}
