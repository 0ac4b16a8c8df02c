package video

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/lanrelay/internal/protocol"
)

// Registration probe schedule. UDP may lose a probe, so several are sent.
const (
	RegisterProbes   = 3
	RegisterInterval = 100 * time.Millisecond
)

// Register announces conn's address to the relay at server.
func Register(ctx context.Context, conn net.PacketConn, server net.Addr) error {
	probe := protocol.MustEncode(protocol.TypeVideo, RegisterPayload)

	for i := 0; i < RegisterProbes; i++ {
		if _, err := conn.WriteTo(probe, server); err != nil {
			return fmt.Errorf("send register probe: %w", err)
		}
		if i == RegisterProbes-1 {
			break
		}
		select {
		case <-time.After(RegisterInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendFrame wraps an encoded frame in a VIDEO envelope and sends it to the
// relay.
func SendFrame(conn net.PacketConn, server net.Addr, frame []byte) error {
	data, err := protocol.Encode(protocol.TypeVideo, frame)
	if err != nil {
		return err
	}
	if len(data) > BufferSize {
		return &protocol.CapacityError{What: "video frame", Size: int64(len(data)), Limit: BufferSize}
	}
	if _, err := conn.WriteTo(data, server); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Leave tells the relay to drop conn's address immediately instead of
// waiting for eviction.
func Leave(conn net.PacketConn, server net.Addr) error {
	_, err := conn.WriteTo(protocol.MustEncode(protocol.TypeDisconnect, nil), server)
	return err
}
