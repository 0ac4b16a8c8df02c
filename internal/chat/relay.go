// Package chat implements the TCP chat relay: text from one client is
// broadcast to every other client, and the list of named participants is
// kept in sync on everyone's screen.
package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/lanrelay/internal/protocol"
	"github.com/1ureka/lanrelay/internal/transport"
	"github.com/1ureka/lanrelay/internal/util"
)

const (
	// UserListInterval is how often the user list is re-broadcast.
	UserListInterval = 5 * time.Second

	// maxGarbage is how many consecutive unparseable bytes a connection may
	// send before it is dropped.
	maxGarbage = 64 * 1024
)

// Message is a chat line seen by the relay.
type Message struct {
	From string    `json:"from"` // bound username, empty if not yet known
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Stats is a point-in-time snapshot of the relay counters.
type Stats struct {
	CurrentConnections int      `json:"current_connections"`
	TotalConnections   int64    `json:"total_connections"`
	MessagesRelayed    int64    `json:"messages_relayed"`
	BytesReceived      int64    `json:"bytes_received"`
	Users              []string `json:"users"`
}

// session is one connected chat client.
type session struct {
	id       string
	conn     net.Conn
	out      *transport.Sender
	seq      protocol.SeqGen
	username string // guarded by Relay.mu
}

// Relay is the chat broadcast service.
type Relay struct {
	host string
	log  *util.Logger

	mu       sync.Mutex
	sessions map[string]*session

	traffic    util.Traffic
	relayed    atomic.Int64
	totalConns atomic.Int64

	cbMu       sync.RWMutex
	onMessage  []func(Message)
	onUserList []func([]string)

	listener *net.TCPListener
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a chat relay bound to host once started.
func New(host string) *Relay {
	return &Relay{
		host:     host,
		log:      util.NewLogger("chat"),
		sessions: make(map[string]*session),
		quit:     make(chan struct{}),
	}
}

// OnMessage registers fn to be called for every chat line the relay sees,
// including synthesized departure notices.
func (r *Relay) OnMessage(fn func(Message)) {
	r.cbMu.Lock()
	r.onMessage = append(r.onMessage, fn)
	r.cbMu.Unlock()
}

// OnUserList registers fn to be called whenever the user list changes.
func (r *Relay) OnUserList(fn func([]string)) {
	r.cbMu.Lock()
	r.onUserList = append(r.onUserList, fn)
	r.cbMu.Unlock()
}

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

// Serve accepts clients until Stop.
func (r *Relay) Serve() error {
	if r.listener == nil {
		return errors.New("chat relay: Serve called before Listen")
	}
	r.log.Info("listening on tcp %s", r.listener.Addr())

	go r.runUserListTicker()
	return transport.AcceptLoop(r.listener, r.quit, r.handleConn)
}

// Stop closes the listener and every client connection.
func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.quit)
		if r.listener != nil {
			err = r.listener.Close()
		}

		r.mu.Lock()
		for _, s := range r.sessions {
			s.out.Close()
			s.conn.Close()
		}
		r.mu.Unlock()

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

// Traffic exposes the inbound counters for the periodic reporter.
func (r *Relay) Traffic() *util.Traffic { return &r.traffic }

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	current := len(r.sessions)
	r.mu.Unlock()

	return Stats{
		CurrentConnections: current,
		TotalConnections:   r.totalConns.Load(),
		MessagesRelayed:    r.relayed.Load(),
		BytesReceived:      r.traffic.Bytes.Load(),
		Users:              r.Users(),
	}
}

// Users returns the bound usernames, sorted.
func (r *Relay) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.username != "" {
			users = append(users, s.username)
		}
	}
	sort.Strings(users)
	return users
}

func (r *Relay) handleConn(conn net.Conn) {
	s := &session{id: uuid.NewString(), conn: conn}
	s.out = transport.NewSender(conn, transport.DefaultQueueSize, func(err error) {
		r.log.Debug("[%s] write failed: %v", s.id[:8], err)
		conn.Close()
	})

	r.mu.Lock()
	if transport.Closed(r.quit) {
		r.mu.Unlock()
		s.out.Close()
		conn.Close()
		return
	}
	r.sessions[s.id] = s
	current := len(r.sessions)
	r.mu.Unlock()

	r.totalConns.Add(1)
	r.log.Info("[%s] connected from %s (%d online)", s.id[:8], conn.RemoteAddr(), current)

	r.serveSession(s)
	r.closeSession(s)
}

// serveSession reads envelopes until the client disconnects, asks to leave,
// or sends too much garbage.
func (r *Relay) serveSession(s *session) {
	reader := protocol.NewReader(s.conn)
	garbage := 0

	for {
		env, err := reader.Next()
		if err != nil {
			if protocol.IsRecoverable(err) {
				garbage++
				if garbage > maxGarbage {
					r.log.Warn("[%s] dropped after %d unparseable bytes", s.id[:8], garbage)
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !transport.Closed(r.quit) {
				r.log.Debug("[%s] read failed: %v", s.id[:8], err)
			}
			return
		}
		garbage = 0
		r.traffic.Add(len(env.Payload))

		switch env.Type {
		case protocol.TypeChat:
			r.handleChat(s, string(env.Payload))

		case protocol.TypeDisconnect:
			r.log.Debug("[%s] disconnect requested", s.id[:8])
			return

		case protocol.TypeUserListRequest:
			r.sendUserList(s, r.Users())

		case protocol.TypeHeartbeat:
			// keepalive only

		default:
			r.log.Debug("[%s] ignored %s message", s.id[:8], protocol.TypeName(env.Type))
		}
	}
}

func (r *Relay) handleChat(s *session, text string) {
	r.mu.Lock()
	bound := false
	if s.username == "" {
		if name, _, ok := strings.Cut(text, ":"); ok {
			if name = strings.TrimSpace(name); name != "" {
				s.username = name
				bound = true
			}
		}
	}
	from := s.username
	r.mu.Unlock()

	if bound {
		r.log.Info("[%s] is now known as %q", s.id[:8], from)
		r.broadcastUserList()
	}

	r.log.Debug("%s", text)
	r.broadcastChat(text, s)
	r.relayed.Add(1)
	r.emitMessage(Message{From: from, Text: text, Time: time.Now()})
}

// closeSession removes s and, if the client had a name, tells everyone else
// it left.
func (r *Relay) closeSession(s *session) {
	r.mu.Lock()
	_, present := r.sessions[s.id]
	delete(r.sessions, s.id)
	name := s.username
	remaining := len(r.sessions)
	r.mu.Unlock()

	s.out.Close()
	s.conn.Close()

	if !present {
		return
	}
	r.log.Info("[%s] %s disconnected (%d remaining)", s.id[:8], displayName(name), remaining)

	if name != "" && !transport.Closed(r.quit) {
		notice := name + " has left the chat"
		r.broadcastChat(notice, nil)
		r.broadcastUserList()
		r.emitMessage(Message{Text: notice, Time: time.Now()})
	}
}

// snapshot returns the current sessions so sends happen outside the lock.
func (r *Relay) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// broadcastChat sends text to every session except skip (which may be nil).
func (r *Relay) broadcastChat(text string, skip *session) {
	for _, s := range r.snapshot() {
		if s == skip {
			continue
		}
		r.send(s, protocol.TypeChat, []byte(text))
	}
}

func (r *Relay) broadcastUserList() {
	users := r.Users()
	for _, s := range r.snapshot() {
		r.sendUserList(s, users)
	}
	r.emitUserList(users)
}

func (r *Relay) sendUserList(s *session, users []string) {
	payload, err := json.Marshal(users)
	if err != nil {
		r.log.Error("marshal user list: %v", err)
		return
	}
	r.send(s, protocol.TypeUserListResponse, payload)
}

func (r *Relay) send(s *session, typ uint8, payload []byte) {
	data, err := protocol.EncodeSeq(typ, s.seq.Next(), payload)
	if err != nil {
		r.log.Warn("[%s] encode %s: %v", s.id[:8], protocol.TypeName(typ), err)
		return
	}
	if !s.out.Send(data) {
		r.log.Debug("[%s] send queue full, dropped %s", s.id[:8], protocol.TypeName(typ))
	}
}

func (r *Relay) runUserListTicker() {
	ticker := time.NewTicker(UserListInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			users := r.Users()
			for _, s := range r.snapshot() {
				r.sendUserList(s, users)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Relay) emitMessage(m Message) {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	for _, fn := range r.onMessage {
		fn(m)
	}
}

func (r *Relay) emitUserList(users []string) {
	r.cbMu.RLock()
	defer r.cbMu.RUnlock()
	for _, fn := range r.onUserList {
		fn(users)
	}
}

func displayName(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}
