package video

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/transport"
)

func startRelay(t *testing.T) *Relay {
	t.Helper()
	r := New("127.0.0.1")
	if err := r.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go r.Serve()
	t.Cleanup(func() { r.Stop() })
	return r
}

func newClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForwardExcludesSender(t *testing.T) {
	r := startRelay(t)
	a, b, c := newClient(t), newClient(t), newClient(t)

	for _, conn := range []*net.UDPConn{a, b, c} {
		if err := Register(context.Background(), conn, r.Addr()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	waitFor(t, "three participants", func() bool { return r.Stats().ActiveParticipants == 3 })

	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'j', 'p', 'g'}
	if err := SendFrame(a, r.Addr(), frame); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}
	want := protocol.MustEncode(protocol.TypeVideo, frame)

	buf := make([]byte, BufferSize)
	for _, conn := range []*net.UDPConn{b, c} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("recipient did not receive frame: %v", err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("forwarded datagram mismatch: got % x, want % x", buf[:n], want)
		}
	}

	a.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := a.ReadFrom(buf); !transport.IsTimeout(err) {
		t.Errorf("sender received its own frame (err=%v)", err)
	}

	stats := r.Stats()
	if stats.Registrations != 3*RegisterProbes {
		t.Errorf("Registrations mismatch: got %d, want %d", stats.Registrations, 3*RegisterProbes)
	}
	if stats.PacketsForwarded != 2 {
		t.Errorf("PacketsForwarded mismatch: got %d, want 2", stats.PacketsForwarded)
	}
	if stats.UniqueHosts != 1 {
		t.Errorf("UniqueHosts mismatch: got %d, want 1", stats.UniqueHosts)
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	r := startRelay(t)
	a, b := newClient(t), newClient(t)

	Register(context.Background(), b, r.Addr())
	waitFor(t, "registration", func() bool { return r.Stats().ActiveParticipants == 1 })

	a.WriteTo([]byte{0x01, 0x01, 0x00}, r.Addr())

	buf := make([]byte, BufferSize)
	b.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := b.ReadFrom(buf); !transport.IsTimeout(err) {
		t.Errorf("malformed datagram was forwarded (err=%v)", err)
	}
	if r.Stats().ActiveParticipants != 1 {
		t.Errorf("malformed sender was registered")
	}
}

func TestLeaveRemovesParticipant(t *testing.T) {
	r := startRelay(t)
	a := newClient(t)

	Register(context.Background(), a, r.Addr())
	waitFor(t, "registration", func() bool { return r.Stats().ActiveParticipants == 1 })

	if err := Leave(a, r.Addr()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	waitFor(t, "removal", func() bool { return r.Stats().ActiveParticipants == 0 })
}

func TestStopIsIdempotent(t *testing.T) {
	r := New("127.0.0.1")
	if err := r.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		r.Serve()
		close(done)
	}()

	r.Stop()
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestRemovedPeerGetsNoFrames(t *testing.T) {
	r := startRelay(t)
	a, b, c := newClient(t), newClient(t), newClient(t)

	for _, conn := range []*net.UDPConn{a, b, c} {
		if err := Register(context.Background(), conn, r.Addr()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	waitFor(t, "three participants", func() bool { return r.Stats().ActiveParticipants == 3 })

	evicted := c.LocalAddr().(*net.UDPAddr).AddrPort()
	if !r.participants.Remove(evicted) {
		t.Fatalf("%s was not registered", evicted)
	}

	frame := []byte("frame-after-eviction")
	if err := SendFrame(a, r.Addr(), frame); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	buf := make([]byte, BufferSize)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := b.ReadFrom(buf)
	if err != nil {
		t.Fatalf("remaining peer did not receive frame: %v", err)
	}
	if want := protocol.MustEncode(protocol.TypeVideo, frame); !bytes.Equal(buf[:n], want) {
		t.Errorf("forwarded datagram mismatch: got % x, want % x", buf[:n], want)
	}

	c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := c.ReadFrom(buf); !transport.IsTimeout(err) {
		t.Errorf("evicted peer still received a frame (err=%v)", err)
	}
}

func TestSendFailureEvictsRecipient(t *testing.T) {
	r := startRelay(t)
	a, b := newClient(t), newClient(t)

	for _, conn := range []*net.UDPConn{a, b} {
		if err := Register(context.Background(), conn, r.Addr()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	waitFor(t, "two participants", func() bool { return r.Stats().ActiveParticipants == 2 })

	// Sending to port 0 is rejected by the kernel.
	unreachable := netip.MustParseAddrPort("127.0.0.1:0")
	r.participants.Touch(unreachable)

	if err := SendFrame(a, r.Addr(), []byte("frame")); err != nil {
		t.Fatalf("SendFrame failed: %v", err)
	}

	buf := make([]byte, BufferSize)
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := b.ReadFrom(buf); err != nil {
		t.Fatalf("healthy peer did not receive frame: %v", err)
	}

	waitFor(t, "failed recipient eviction", func() bool { return !r.participants.Has(unreachable) })
	if !r.participants.Has(b.LocalAddr().(*net.UDPAddr).AddrPort()) {
		t.Error("healthy peer was evicted")
	}
}
