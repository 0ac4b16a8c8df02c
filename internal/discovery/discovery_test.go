package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDiscoverFindsResponder(t *testing.T) {
	d := NewResponder("127.0.0.1")
	if err := d.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go d.Serve()
	defer d.Stop()

	servers, err := Discover(context.Background(), d.Addr().String(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(servers) != 1 || servers[0] != "127.0.0.1" {
		t.Fatalf("servers mismatch: got %v, want [127.0.0.1]", servers)
	}
	if d.Answered() != 1 {
		t.Errorf("Answered mismatch: got %d, want 1", d.Answered())
	}
}

func TestResponderIgnoresOtherPayloads(t *testing.T) {
	d := NewResponder("127.0.0.1")
	if err := d.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go d.Serve()
	defer d.Stop()

	conn, err := net.DialUDP("udp4", nil, d.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("HELLO"))
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.Read(make([]byte, 64)); err == nil {
		t.Errorf("unexpected reply of %d bytes", n)
	}
}

func TestBroadcastTarget(t *testing.T) {
	if got := BroadcastTarget(5006); got != "255.255.255.255:5006" {
		t.Errorf("BroadcastTarget mismatch: got %s", got)
	}
}
