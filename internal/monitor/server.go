// Package monitor serves a small HTTP API for dashboards: relay statistics,
// the stored file list, and a WebSocket feed of chat and stats events.
package monitor

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/lanrelay/internal/storage"
	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

var upgrader = websocket.Upgrader{
	// Dashboards on the LAN may be served from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures a monitor Server.
type Options struct {
	Host  string
	Stats func() any                          // snapshot served at /stats
	Files func() ([]storage.FileInfo, error) // listing served at /files, may be nil
}

// Server is the monitor HTTP endpoint.
type Server struct {
	opts Options
	log  *util.Logger
	hub  *hub

	srv      *http.Server
	ln       net.Listener
	stopOnce sync.Once
}

// New creates a monitor server.
func New(opts Options) *Server {
	s := &Server{opts: opts, log: util.NewLogger("monitor")}
	s.hub = newHub(s.log)

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/files", s.handleFiles)
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start binds port and serves until Stop.
func (s *Server) Start(port int) error {
	if err := s.Listen(port); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the TCP listener.
func (s *Server) Listen(port int) error {
	ln, err := transport.ListenTCP(s.opts.Host, port)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Serve handles HTTP requests until Stop.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("monitor: Serve called before Listen")
	}
	s.log.Info("serving http://%s (/stats, /files, /ws)", s.ln.Addr())
	if err := s.srv.Serve(s.ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the HTTP server and every subscriber.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.hub.closeAll()
		err = s.srv.Close()
	})
	return err
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Publish pushes an event to every WebSocket subscriber.
func (s *Server) Publish(eventType string, data any) {
	s.hub.publish(Event{Type: eventType, Time: time.Now(), Data: data})
}

// Subscribers returns the number of connected WebSocket clients.
func (s *Server) Subscribers() int { return s.hub.count() }

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.opts.Stats())
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if s.opts.Files == nil {
		http.Error(w, "file relay not running", http.StatusNotFound)
		return
	}
	files, err := s.opts.Files()
	if err != nil {
		s.log.Error("list files: %v", err)
		http.Error(w, "cannot list files", http.StatusInternalServerError)
		return
	}
	writeJSON(w, files)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade: %v", err)
		return
	}

	sub := s.hub.add(conn)
	s.log.Debug("subscriber %s connected from %s", sub.id[:8], r.RemoteAddr)

	go s.hub.writePump(sub)
	s.hub.readPump(sub)
	s.hub.remove(sub)
	s.log.Debug("subscriber %s disconnected", sub.id[:8])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
