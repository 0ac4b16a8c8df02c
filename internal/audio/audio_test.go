package audio

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/transport"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestRingDropsOldest(t *testing.T) {
	var r ring
	dropped := 0
	for i := 0; i < RingCapacity+2; i++ {
		if r.push([]byte{byte(i)}) {
			dropped++
		}
	}

	if dropped != 2 {
		t.Errorf("dropped mismatch: got %d, want 2", dropped)
	}
	if r.len() != RingCapacity {
		t.Fatalf("len mismatch: got %d, want %d", r.len(), RingCapacity)
	}
	for want := 2; want < RingCapacity+2; want++ {
		got := r.pop()
		if len(got) != 1 || int(got[0]) != want {
			t.Fatalf("pop mismatch: got %v, want [%d]", got, want)
		}
	}
	if r.pop() != nil {
		t.Error("pop on empty ring returned a chunk")
	}
}

func TestMix(t *testing.T) {
	testCases := []struct {
		name   string
		chunks [][]byte
		want   []byte
	}{
		{"mean of two", [][]byte{pcm(100, 100), pcm(200, 200)}, pcm(150, 150)},
		{"single chunk is identity", [][]byte{pcm(200, -200)}, pcm(200, -200)},
		{"shorter chunk padded with silence", [][]byte{pcm(100, 100), pcm(200)}, pcm(150, 50)},
		{"truncates toward zero", [][]byte{pcm(-3), pcm(0)}, pcm(-1)},
		{"extremes stay in range", [][]byte{pcm(32767, -32768), pcm(32767, -32768)}, pcm(32767, -32768)},
		{"odd trailing byte ignored", [][]byte{append(pcm(10), 0x7F), pcm(30)}, pcm(20)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Mix(tc.chunks); !bytes.Equal(got, tc.want) {
				t.Errorf("Mix mismatch: got %v, want %v", got, tc.want)
			}
		})
	}

	if Mix(nil) != nil {
		t.Error("Mix(nil) should be nil")
	}
}

func TestMixForExcludesTarget(t *testing.T) {
	tick := map[string][]byte{
		"a": pcm(100, 100),
		"b": pcm(200, 200),
	}

	if got := mixFor(tick, "a"); !bytes.Equal(got, pcm(200, 200)) {
		t.Errorf("mix for a: got %v, want b's chunk", got)
	}
	if got := mixFor(tick, "c"); !bytes.Equal(got, pcm(150, 150)) {
		t.Errorf("mix for c: got %v, want mean", got)
	}
	if got := mixFor(map[string][]byte{"a": pcm(1)}, "a"); got != nil {
		t.Errorf("mix with no other contributor: got %v, want nil", got)
	}
}

type peer struct {
	conn *net.UDPConn
	addr netip.AddrPort
}

func newPeer(t *testing.T) peer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return peer{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr).AddrPort()}
}

func (p peer) expect(t *testing.T, want []byte) {
	t.Helper()
	buf := make([]byte, BufferSize)
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := p.conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("%s: no mix received: %v", p.addr, err)
	}
	env, err := protocol.Decode(buf[:n])
	if err != nil {
		t.Fatalf("%s: bad envelope: %v", p.addr, err)
	}
	if env.Type != protocol.TypeAudio {
		t.Errorf("%s: type mismatch: got %d", p.addr, env.Type)
	}
	if !bytes.Equal(env.Payload, want) {
		t.Errorf("%s: mix mismatch: got %v, want %v", p.addr, env.Payload, want)
	}
}

func (p peer) expectNothing(t *testing.T) {
	t.Helper()
	buf := make([]byte, BufferSize)
	p.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := p.conn.ReadFrom(buf); !transport.IsTimeout(err) {
		t.Errorf("%s: unexpected datagram (err=%v)", p.addr, err)
	}
}

// TestMixTick drives the mixer by hand so the tick contents are exact.
func TestMixTick(t *testing.T) {
	r := New("127.0.0.1")
	if err := r.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer r.Stop()

	a, b, c := newPeer(t), newPeer(t), newPeer(t)

	r.handleDatagram(protocol.MustEncode(protocol.TypeAudio, nil), c.addr)
	r.handleDatagram(protocol.MustEncode(protocol.TypeAudio, pcm(100, 100)), a.addr)
	r.handleDatagram(protocol.MustEncode(protocol.TypeAudio, pcm(200, 200)), b.addr)

	r.mixTick()

	a.expect(t, pcm(200, 200))
	b.expect(t, pcm(100, 100))
	c.expect(t, pcm(150, 150))

	if got := r.Stats().MixedPacketsSent; got != 3 {
		t.Errorf("MixedPacketsSent mismatch: got %d, want 3", got)
	}

	// One contributor only: nothing is mixed.
	r.handleDatagram(protocol.MustEncode(protocol.TypeAudio, pcm(5, 5)), a.addr)
	r.mixTick()

	a.expectNothing(t)
	c.expectNothing(t)
}

func TestNextSeqDoesNotRecreateEvicted(t *testing.T) {
	r := New("127.0.0.1")
	a, listener := newPeer(t), newPeer(t)

	r.handleDatagram(protocol.MustEncode(protocol.TypeAudio, pcm(1, 1)), a.addr)
	r.handleDatagram(protocol.MustEncode(protocol.TypeAudio, nil), listener.addr)

	for _, p := range []peer{a, listener} {
		first := r.nextSeq(p.addr)
		if second := r.nextSeq(p.addr); second != first+1 {
			t.Errorf("%s: sequence mismatch: got %d, want %d", p.addr, second, first+1)
		}
	}

	gone := netip.MustParseAddrPort("127.0.0.1:9")
	if got := r.nextSeq(gone); got != 0 {
		t.Errorf("sequence for unknown target mismatch: got %d, want 0", got)
	}

	r.mu.Lock()
	_, created := r.buffers[gone]
	n := len(r.buffers)
	r.mu.Unlock()
	if created || n != 2 {
		t.Errorf("buffers mismatch: got %d entries (unknown created=%v), want 2", n, created)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	r := New("127.0.0.1")
	if err := r.Listen(0); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go r.Serve()
	defer r.Stop()

	a, b := newPeer(t), newPeer(t)
	if err := SendChunk(a.conn, r.Addr(), pcm(1000)); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}
	if err := SendChunk(b.conn, r.Addr(), pcm(3000)); err != nil {
		t.Fatalf("SendChunk failed: %v", err)
	}

	a.expect(t, pcm(3000))
	b.expect(t, pcm(1000))
}

func TestSendChunkTooLarge(t *testing.T) {
	a := newPeer(t)
	err := SendChunk(a.conn, a.conn.LocalAddr(), make([]byte, BufferSize))
	if err == nil {
		t.Fatal("expected CapacityError, got nil")
	}
}
