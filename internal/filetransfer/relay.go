// Package filetransfer implements the TCP file relay. Each connection
// carries exactly one upload or one download and is then closed.
package filetransfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/storage"
	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

const (
	// ChunkSize is the payload size of each FILE_CHUNK sent on download.
	ChunkSize = 32 * 1024

	// AckPayload is written raw, without an envelope, after a successful
	// upload.
	AckPayload = "OK"

	maxGarbage = 64 * 1024
)

// chunkBufPool recycles download read buffers.
var chunkBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// Stats is a point-in-time snapshot of the relay counters.
type Stats struct {
	FilesUploaded   int64 `json:"files_uploaded"`
	FilesDownloaded int64 `json:"files_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	ActiveTransfers int64 `json:"active_transfers"`
	FailedTransfers int64 `json:"failed_transfers"`
}

// Relay is the file upload/download service.
type Relay struct {
	host        string
	store       *storage.Store
	maxFileSize int64
	log         *util.Logger

	traffic    util.Traffic // upload bytes received
	uploads    atomic.Int64
	downloads  atomic.Int64
	downBytes  atomic.Int64
	active     atomic.Int64
	failed     atomic.Int64
	onUploaded func(storage.FileInfo)

	listener *net.TCPListener
	quit     chan struct{}
	stopOnce sync.Once

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New creates a file relay storing uploads in store and refusing files
// larger than maxFileSize bytes.
func New(host string, store *storage.Store, maxFileSize int64) *Relay {
	return &Relay{
		host:        host,
		store:       store,
		maxFileSize: maxFileSize,
		log:         util.NewLogger("file"),
		quit:        make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
}

// OnUploaded sets a callback for every committed upload. Set it before
// Serve.
func (r *Relay) OnUploaded(fn func(storage.FileInfo)) { r.onUploaded = fn }

// Start binds port and serves until Stop is called.
func (r *Relay) Start(port int) error {
	if err := r.Listen(port); err != nil {
		return err
	}
	return r.Serve()
}

// Listen binds the TCP listener without accepting yet.
func (r *Relay) Listen(port int) error {
	ln, err := transport.ListenTCP(r.host, port)
	if err != nil {
		return err
	}
	r.listener = ln
	return nil
}

// Serve accepts transfers until Stop.
func (r *Relay) Serve() error {
	if r.listener == nil {
		return errors.New("file relay: Serve called before Listen")
	}
	r.log.Info("listening on tcp %s, storing in %s", r.listener.Addr(), r.store.RootDir)
	return transport.AcceptLoop(r.listener, r.quit, r.handleConn)
}

// Stop closes the listener and aborts in-flight transfers.
func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.listener != nil {
			err = r.listener.Close()
		}

		r.connsMu.Lock()
		for c := range r.conns {
			c.Close()
		}
		r.connsMu.Unlock()

		r.log.Info("stopped")
	})
	return err
}

// Addr returns the bound address, or nil before Listen.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Traffic exposes the upload counters for the periodic reporter.
func (r *Relay) Traffic() *util.Traffic { return &r.traffic }

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		FilesUploaded:   r.uploads.Load(),
		FilesDownloaded: r.downloads.Load(),
		BytesUploaded:   r.traffic.Bytes.Load(),
		BytesDownloaded: r.downBytes.Load(),
		ActiveTransfers: r.active.Load(),
		FailedTransfers: r.failed.Load(),
	}
}

func (r *Relay) track(c net.Conn) bool {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	if transport.Closed(r.quit) {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *Relay) untrack(c net.Conn) {
	r.connsMu.Lock()
	delete(r.conns, c)
	r.connsMu.Unlock()
}

func (r *Relay) handleConn(conn net.Conn) {
	defer conn.Close()
	if !r.track(conn) {
		return
	}
	defer r.untrack(conn)

	r.active.Add(1)
	defer r.active.Add(-1)

	reader := protocol.NewReader(conn)
	env, err := nextEnvelope(reader)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.log.Debug("%s: no request: %v", conn.RemoteAddr(), err)
		}
		return
	}

	switch env.Type {
	case protocol.TypeFileMetadata:
		err = r.handleUpload(conn, reader, env.Payload)
	case protocol.TypeFileDownload:
		err = r.handleDownload(conn, string(env.Payload))
	default:
		err = fmt.Errorf("unexpected %s as first message", protocol.TypeName(env.Type))
	}

	if err != nil {
		r.failed.Add(1)
		r.log.Warn("%s: %v", conn.RemoteAddr(), err)
	}
}

// nextEnvelope reads the next envelope, skipping over corrupt bytes.
func nextEnvelope(reader *protocol.Reader) (*protocol.Envelope, error) {
	garbage := 0
	for {
		env, err := reader.Next()
		if err == nil {
			return env, nil
		}
		if !protocol.IsRecoverable(err) {
			return nil, err
		}
		garbage++
		if garbage > maxGarbage {
			return nil, fmt.Errorf("gave up after %d unparseable bytes: %w", garbage, err)
		}
	}
}

func (r *Relay) handleUpload(conn net.Conn, reader *protocol.Reader, payload []byte) error {
	meta, err := protocol.DecodeFileMetadata(payload)
	if err != nil {
		return fmt.Errorf("upload rejected: %w", err)
	}
	if err := storage.ValidateName(meta.Filename); err != nil {
		return fmt.Errorf("upload rejected: %w", err)
	}
	if meta.Filesize > uint64(r.maxFileSize) {
		return &protocol.CapacityError{What: "file " + meta.Filename, Size: int64(meta.Filesize), Limit: r.maxFileSize}
	}

	r.log.Info("upload started: %s (%d bytes) from %s", meta.Filename, meta.Filesize, conn.RemoteAddr())

	pending, err := r.store.Begin(meta.Filename)
	if err != nil {
		return fmt.Errorf("upload %s: %w", meta.Filename, err)
	}
	committed := false
	defer func() {
		if !committed {
			pending.Abort()
		}
	}()

	size := int64(meta.Filesize)
	for pending.Written() < size {
		env, err := nextEnvelope(reader)
		if err != nil {
			return fmt.Errorf("upload %s: stream ended after %d of %d bytes: %w", meta.Filename, pending.Written(), size, err)
		}
		if env.Type != protocol.TypeFileChunk {
			r.log.Debug("upload %s: ignored %s", meta.Filename, protocol.TypeName(env.Type))
			continue
		}
		if pending.Written()+int64(len(env.Payload)) > size {
			return fmt.Errorf("upload %s: more data than the declared %d bytes", meta.Filename, size)
		}
		if _, err := pending.Write(env.Payload); err != nil {
			return fmt.Errorf("upload %s: %w", meta.Filename, err)
		}
		r.traffic.Add(len(env.Payload))
	}

	if meta.Checksum != "" {
		if got := pending.Sum(); got != meta.Checksum {
			return &protocol.IntegrityError{Name: meta.Filename, Want: meta.Checksum, Got: got}
		}
	}

	if err := pending.Commit(); err != nil {
		return fmt.Errorf("upload %s: commit: %w", meta.Filename, err)
	}
	committed = true
	r.uploads.Add(1)
	r.log.Info("upload complete: %s (%d bytes)", meta.Filename, size)

	if r.onUploaded != nil {
		r.onUploaded(storage.FileInfo{Name: meta.Filename, Size: size})
	}

	if _, err := conn.Write([]byte(AckPayload)); err != nil {
		return &protocol.TransportError{Op: "write ack", Err: err}
	}
	return nil
}

// handleDownload streams a stored file as FILE_METADATA followed by
// FILE_CHUNK envelopes. A missing or invalid name closes the connection
// without a reply.
func (r *Relay) handleDownload(conn net.Conn, name string) error {
	r.log.Info("download requested: %s by %s", name, conn.RemoteAddr())

	f, size, err := r.store.Open(name)
	if err != nil {
		return fmt.Errorf("download %q: %w", name, err)
	}
	defer f.Close()

	sum, err := util.MD5Hex(f)
	if err != nil {
		return fmt.Errorf("download %q: hash: %w", name, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("download %q: %w", name, err)
	}

	meta := protocol.EncodeFileMetadata(protocol.FileMetadata{Filename: name, Filesize: uint64(size), Checksum: sum})
	var seq protocol.SeqGen
	if err := writeEnvelope(conn, protocol.TypeFileMetadata, seq.Next(), meta); err != nil {
		return err
	}

	bufPtr := chunkBufPool.Get().(*[]byte)
	defer chunkBufPool.Put(bufPtr)
	buf := *bufPtr

	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := writeEnvelope(conn, protocol.TypeFileChunk, seq.Next(), buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
			r.downBytes.Add(int64(n))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("download %q: read: %w", name, err)
		}
	}

	r.downloads.Add(1)
	r.log.Info("download complete: %s (%d bytes)", name, sent)
	return nil
}

func writeEnvelope(w io.Writer, typ uint8, seq uint32, payload []byte) error {
	data, err := protocol.EncodeSeq(typ, seq, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return &protocol.TransportError{Op: "write " + protocol.TypeName(typ), Err: err}
	}
	return nil
}
