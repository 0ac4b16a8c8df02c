package filetransfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/storage"
	"github.com/1ureka/lanrelay/internal/util"
)

// AckTimeout is how long Upload waits for the relay's acknowledgment after
// the last chunk.
const AckTimeout = 5 * time.Second

var (
	// ErrNoAck means the relay closed the connection or stayed silent
	// instead of acknowledging an upload. The file was not stored.
	ErrNoAck = errors.New("no acknowledgment received")

	// ErrNotFound means the relay closed a download without sending the file.
	ErrNotFound = errors.New("file not found on server")
)

func dial(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial file relay: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return conn, stop, nil
}

// Upload sends the file at path to the relay at addr and waits for the
// acknowledgment.
func Upload(ctx context.Context, addr, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	sum, err := util.MD5Hex(f)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	conn, stop, err := dial(ctx, addr)
	if err != nil {
		return err
	}
	defer stop()
	defer conn.Close()

	meta := protocol.FileMetadata{Filename: filepath.Base(path), Filesize: uint64(info.Size()), Checksum: sum}
	var seq protocol.SeqGen
	if err := writeEnvelope(conn, protocol.TypeFileMetadata, seq.Next(), protocol.EncodeFileMetadata(meta)); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := writeEnvelope(conn, protocol.TypeFileChunk, seq.Next(), buf[:n]); werr != nil {
				return fmt.Errorf("%w: %v", ErrNoAck, werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(AckTimeout))
	ack := make([]byte, len(AckPayload))
	if _, err := io.ReadFull(conn, ack); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrNoAck
	}
	if string(ack) != AckPayload {
		return fmt.Errorf("%w: unexpected reply %q", ErrNoAck, ack)
	}
	return nil
}

// Download fetches name from the relay at addr into dir and returns the
// path of the written file. A checksum mismatch removes the file and
// returns a *protocol.IntegrityError.
func Download(ctx context.Context, addr, name, dir string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}

	conn, stop, err := dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer stop()
	defer conn.Close()

	if err := writeEnvelope(conn, protocol.TypeFileDownload, 1, []byte(name)); err != nil {
		return "", err
	}

	reader := protocol.NewReader(conn)
	env, err := nextEnvelope(reader)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrNotFound
	}
	if env.Type != protocol.TypeFileMetadata {
		return "", fmt.Errorf("expected FILE_METADATA, got %s", protocol.TypeName(env.Type))
	}
	meta, err := protocol.DecodeFileMetadata(env.Payload)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}

	ok := false
	defer func() {
		out.Close()
		if !ok {
			os.Remove(dest)
		}
	}()

	hash := md5.New()
	w := io.MultiWriter(out, hash)
	var received uint64
	for received < meta.Filesize {
		env, err := nextEnvelope(reader)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("download %s: connection closed after %d of %d bytes: %w", name, received, meta.Filesize, err)
		}
		if env.Type != protocol.TypeFileChunk {
			continue
		}
		if _, err := w.Write(env.Payload); err != nil {
			return "", err
		}
		received += uint64(len(env.Payload))
	}

	if meta.Checksum != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); got != meta.Checksum {
			return "", &protocol.IntegrityError{Name: name, Want: meta.Checksum, Got: got}
		}
	}

	if err := out.Sync(); err != nil {
		return "", err
	}
	ok = true
	return dest, nil
}
