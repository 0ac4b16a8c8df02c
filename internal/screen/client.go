package screen

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

func dialRole(ctx context.Context, addr string, role byte) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial screen relay: %w", err)
	}
	if _, err := conn.Write([]byte{role}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send role: %w", err)
	}
	return conn, nil
}

// Presenter pushes frames to the relay.
type Presenter struct {
	conn net.Conn
}

// DialPresenter connects to the relay as a presenter.
func DialPresenter(ctx context.Context, addr string) (*Presenter, error) {
	conn, err := dialRole(ctx, addr, RolePresenter)
	if err != nil {
		return nil, err
	}
	return &Presenter{conn: conn}, nil
}

// SendFrame sends one encoded frame.
func (p *Presenter) SendFrame(frame []byte) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(data)
	return err
}

// Close ends the presentation.
func (p *Presenter) Close() error { return p.conn.Close() }

// Viewer receives frames from the relay.
type Viewer struct {
	conn net.Conn
	br   *bufio.Reader
}

// DialViewer connects to the relay as a viewer.
func DialViewer(ctx context.Context, addr string) (*Viewer, error) {
	conn, err := dialRole(ctx, addr, RoleViewer)
	if err != nil {
		return nil, err
	}
	return &Viewer{conn: conn, br: bufio.NewReader(conn)}, nil
}

// ReadFrame blocks until the next frame arrives.
func (v *Viewer) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(v.br, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", size, MaxFrameSize)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(v.br, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close disconnects the viewer.
func (v *Viewer) Close() error { return v.conn.Close() }
