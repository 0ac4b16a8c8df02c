package audio

import (
	"fmt"
	"net"

	"github.com/1ureka/lanrelay/internal/protocol"
)

// SendChunk wraps a PCM chunk in an AUDIO envelope and sends it to the
// relay. An empty chunk registers conn as a listener without contributing
// audio.
func SendChunk(conn net.PacketConn, server net.Addr, pcm []byte) error {
	data, err := protocol.Encode(protocol.TypeAudio, pcm)
	if err != nil {
		return err
	}
	if len(data) > BufferSize {
		return &protocol.CapacityError{What: "audio chunk", Size: int64(len(data)), Limit: BufferSize}
	}
	if _, err := conn.WriteTo(data, server); err != nil {
		return fmt.Errorf("send audio chunk: %w", err)
	}
	return nil
}

// Leave tells the relay to drop conn's address and buffered audio.
func Leave(conn net.PacketConn, server net.Addr) error {
	_, err := conn.WriteTo(protocol.MustEncode(protocol.TypeDisconnect, nil), server)
	return err
}
