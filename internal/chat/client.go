package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/lanrelay/internal/protocol"
)

// Client is the participant side of the chat relay.
type Client struct {
	username string

	onMessage  func(string)
	onUserList func([]string)

	conn    net.Conn
	writeMu sync.Mutex

	usersMu sync.Mutex
	users   []string

	done chan struct{}
	err  error
}

// NewClient creates a client that will introduce itself as username.
func NewClient(username string) *Client {
	return &Client{username: username, done: make(chan struct{})}
}

// OnMessage sets the callback for incoming chat lines. Set it before
// Connect.
func (c *Client) OnMessage(fn func(text string)) { c.onMessage = fn }

// OnUserList sets the callback for user list updates. Set it before
// Connect.
func (c *Client) OnUserList(fn func(users []string)) { c.onUserList = fn }

// Connect dials the relay, starts the receive loop and announces the user
// with a join line, which also binds the username on the relay.
func (c *Client) Connect(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial chat relay: %w", err)
	}
	c.conn = conn

	go c.readLoop()

	return c.write(protocol.TypeChat, []byte(c.username+": joined the chat"))
}

// Send posts text to the room as "username: text".
func (c *Client) Send(text string) error {
	return c.write(protocol.TypeChat, []byte(c.username+": "+text))
}

// RequestUsers asks the relay for the current user list; the answer arrives
// through the OnUserList callback.
func (c *Client) RequestUsers() error {
	return c.write(protocol.TypeUserListRequest, nil)
}

// Heartbeat tells the relay the client is still there.
func (c *Client) Heartbeat() error {
	return c.write(protocol.TypeHeartbeat, nil)
}

// Disconnect asks the relay to end the session and closes the connection.
func (c *Client) Disconnect() error {
	err := c.write(protocol.TypeDisconnect, nil)
	c.conn.Close()
	<-c.done
	return err
}

// Users returns the most recent user list received from the relay.
func (c *Client) Users() []string {
	c.usersMu.Lock()
	defer c.usersMu.Unlock()
	return append([]string(nil), c.users...)
}

// Done is closed when the receive loop ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the receive loop ended; nil for a clean close.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) write(typ uint8, payload []byte) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	reader := protocol.NewReader(c.conn)
	for {
		env, err := reader.Next()
		if err != nil {
			if protocol.IsRecoverable(err) {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.err = err
			}
			return
		}

		switch env.Type {
		case protocol.TypeChat:
			if c.onMessage != nil {
				c.onMessage(string(env.Payload))
			}

		case protocol.TypeUserListResponse:
			var users []string
			if err := json.Unmarshal(env.Payload, &users); err != nil {
				continue
			}
			c.usersMu.Lock()
			c.users = users
			c.usersMu.Unlock()
			if c.onUserList != nil {
				c.onUserList(users)
			}
		}
	}
}
