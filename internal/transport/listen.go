// Package transport holds the socket plumbing shared by the relays: address
// reuse on listening sockets, poll-based accept and receive loops that
// observe a quit signal, and a queued single-writer per connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Poll intervals for cooperative shutdown.
const (
	UDPPollInterval    = 100 * time.Millisecond // UDP read deadline
	AcceptPollInterval = time.Second            // TCP accept deadline
)

// tcpListenConfig sets SO_REUSEADDR on TCP listeners only. UDP sockets are
// bound without it so a second relay on the same port fails to bind.
var tcpListenConfig = net.ListenConfig{Control: setSocketReuseAddr}

// JoinHostPort formats a listen address; an empty host binds every interface.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ListenUDP binds a UDP socket. The port must be free.
func ListenUDP(host string, port int) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(context.Background(), "udp4", JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// ListenTCP binds a TCP listener with SO_REUSEADDR set.
func ListenTCP(host string, port int) (*net.TCPListener, error) {
	ln, err := tcpListenConfig.Listen(context.Background(), "tcp4", JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("listen tcp :%d: %w", port, err)
	}
	return ln.(*net.TCPListener), nil
}

// ListenBroadcast binds an ephemeral UDP socket that may send to broadcast
// addresses.
func ListenBroadcast() (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: setSocketBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("listen broadcast: %w", err)
	}
	return pc.(*net.UDPConn), nil
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Closed reports whether quit has been closed.
func Closed(quit <-chan struct{}) bool {
	select {
	case <-quit:
		return true
	default:
		return false
	}
}

// AcceptLoop accepts connections on ln and hands each to handle in its own
// goroutine. Accept wakes up every AcceptPollInterval to check quit; the loop
// returns nil once quit is closed and an error for any other accept failure.
func AcceptLoop(ln *net.TCPListener, quit <-chan struct{}, handle func(net.Conn)) error {
	for {
		if Closed(quit) {
			return nil
		}

		ln.SetDeadline(time.Now().Add(AcceptPollInterval))
		conn, err := ln.Accept()
		if err != nil {
			if Closed(quit) {
				return nil
			}
			if IsTimeout(err) {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go handle(conn)
	}
}

// ReadLoop receives datagrams on conn until quit is closed, polling with
// UDPPollInterval. handle must not retain buf past its return. Receive
// errors other than timeouts are passed to onError and the loop continues.
func ReadLoop(conn *net.UDPConn, quit <-chan struct{}, bufSize int, handle func(buf []byte, from netip.AddrPort), onError func(error)) {
	buf := make([]byte, bufSize)
	for {
		if Closed(quit) {
			return
		}

		conn.SetReadDeadline(time.Now().Add(UDPPollInterval))
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if IsTimeout(err) || Closed(quit) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if onError != nil {
				onError(err)
			}
			continue
		}

		handle(buf[:n], from)
	}
}
