package screen

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readFrame(t *testing.T, v *Viewer) []byte {
	t.Helper()
	v.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := v.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	return frame
}

func TestFrameReachesEveryViewer(t *testing.T) {
	r := startRelay(t)
	ctx := context.Background()
	addr := r.Addr().String()

	v1, err := DialViewer(ctx, addr)
	if err != nil {
		t.Fatalf("DialViewer failed: %v", err)
	}
	defer v1.Close()
	v2, err := DialViewer(ctx, addr)
	if err != nil {
		t.Fatalf("DialViewer failed: %v", err)
	}
	defer v2.Close()
	waitFor(t, "two viewers", func() bool { return r.Stats().Viewers == 2 })

	p, err := DialPresenter(ctx, addr)
	if err != nil {
		t.Fatalf("DialPresenter failed: %v", err)
	}
	defer p.Close()

	frames := [][]byte{
		{0xFF, 0xD8, 0x01, 0x02},
		bytes.Repeat([]byte{0xAB}, 200*1024),
	}
	for _, f := range frames {
		if err := p.SendFrame(f); err != nil {
			t.Fatalf("SendFrame failed: %v", err)
		}
	}

	for _, v := range []*Viewer{v1, v2} {
		for i, want := range frames {
			if got := readFrame(t, v); !bytes.Equal(got, want) {
				t.Errorf("frame %d mismatch: got %d bytes, want %d", i, len(got), len(want))
			}
		}
	}

	stats := r.Stats()
	if stats.FramesRelayed != 2 || stats.Presenters != 1 {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

func TestLegacyPresenterWithoutRoleByte(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	v, err := DialViewer(context.Background(), addr)
	if err != nil {
		t.Fatalf("DialViewer failed: %v", err)
	}
	defer v.Close()
	waitFor(t, "viewer", func() bool { return r.Stats().Viewers == 1 })

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := []byte("legacy frame")
	data, _ := EncodeFrame(frame)
	conn.Write(data)

	if got := readFrame(t, v); !bytes.Equal(got, frame) {
		t.Errorf("frame mismatch: got %q, want %q", got, frame)
	}
}

func TestSilentConnectionBecomesViewer(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the role timeout")
	}
	r := startRelay(t)
	addr := r.Addr().String()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, "legacy viewer", func() bool { return r.Stats().Viewers == 1 })

	p, err := DialPresenter(context.Background(), addr)
	if err != nil {
		t.Fatalf("DialPresenter failed: %v", err)
	}
	defer p.Close()
	p.SendFrame([]byte("hi"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 6)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if binary.BigEndian.Uint32(got) != 2 || string(got[4:]) != "hi" {
		t.Errorf("frame mismatch: % x", got)
	}
}

func TestOversizedFrameClosesPresenter(t *testing.T) {
	r := startRelay(t)

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	header := make([]byte, 5)
	header[0] = RolePresenter
	binary.BigEndian.PutUint32(header[1:], MaxFrameSize+1)
	conn.Write(header)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the relay to close the connection")
	}
	waitFor(t, "presenter removal", func() bool { return r.Stats().Presenters == 0 })
}

func TestViewerDisconnectRemoves(t *testing.T) {
	r := startRelay(t)

	v, err := DialViewer(context.Background(), r.Addr().String())
	if err != nil {
		t.Fatalf("DialViewer failed: %v", err)
	}
	waitFor(t, "viewer", func() bool { return r.Stats().Viewers == 1 })

	v.Close()
	waitFor(t, "viewer removal", func() bool { return r.Stats().Viewers == 0 })
}

func TestEncodeFrameLimit(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Error("expected error for oversized frame")
	}
	data, err := EncodeFrame([]byte("abc"))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0, 0, 0, 3, 'a', 'b', 'c'}) {
		t.Errorf("encoding mismatch: % x", data)
	}
}
