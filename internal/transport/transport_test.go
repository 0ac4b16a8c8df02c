package transport

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestAcceptLoopStopsOnQuit(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}
	defer ln.Close()

	quit := make(chan struct{})
	accepted := make(chan struct{}, 1)
	done := make(chan error, 1)

	go func() {
		done <- AcceptLoop(ln, quit, func(c net.Conn) {
			c.Close()
			accepted <- struct{}{}
		})
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not accepted")
	}

	close(quit)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AcceptLoop returned error: %v", err)
		}
	case <-time.After(2 * AcceptPollInterval):
		t.Fatal("AcceptLoop did not stop after quit")
	}
}

func TestReadLoop(t *testing.T) {
	conn, err := ListenUDP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer conn.Close()

	quit := make(chan struct{})
	got := make(chan []byte, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ReadLoop(conn, quit, 1024, func(buf []byte, from netip.AddrPort) {
			got <- append([]byte(nil), buf...)
		}, nil)
	}()

	client, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer client.Close()
	client.Write([]byte("ping"))

	select {
	case b := <-got:
		if string(b) != "ping" {
			t.Errorf("datagram mismatch: got %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}

	close(quit)
	wg.Wait()
}

func TestListenUDPRejectsTakenPort(t *testing.T) {
	first, err := ListenUDP("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer first.Close()

	port := first.LocalAddr().(*net.UDPAddr).Port
	second, err := ListenUDP("127.0.0.1", port)
	if err == nil {
		second.Close()
		t.Fatalf("second bind on udp port %d succeeded", port)
	}
}

func TestSenderPreservesOrder(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewSender(a, 16, nil)
	defer s.Close()

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if !s.Send(m) {
			t.Fatalf("Send(%q) rejected", m)
		}
	}

	want := bytes.Join(msgs, nil)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("stream mismatch: got %q, want %q", got, want)
	}
}

func TestSenderDropsWhenFull(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// Nobody reads b, so the first message blocks the writer and the queue
	// fills up behind it.
	s := NewSender(a, 2, nil)
	defer s.Close()

	accepted := 0
	for i := 0; i < 10; i++ {
		if s.Send([]byte{byte(i)}) {
			accepted++
		}
	}

	if accepted > 3 {
		t.Errorf("accepted mismatch: got %d, want at most 3", accepted)
	}
	if s.Dropped() == 0 {
		t.Error("expected dropped messages")
	}
}

func TestSenderReportsWriteError(t *testing.T) {
	a, b := net.Pipe()
	b.Close()

	errCh := make(chan error, 1)
	s := NewSender(a, 4, func(err error) { errCh <- err })
	s.Send([]byte("x"))

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write error not reported")
	}

	<-s.Done()
	if s.Send([]byte("y")) {
		t.Error("Send succeeded after the sender stopped")
	}
}
