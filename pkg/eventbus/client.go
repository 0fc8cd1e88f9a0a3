package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ClientEventHandler handles a server-initiated event on the client side.
// The return value answers the server's ack when one was requested.
type ClientEventHandler func(data any) Payload

// Client is the dialing side of an event-bus connection. Servers use it for
// replica links, migration transfers and name-server liveness probes; chat
// clients use it for their main connection.
type Client struct {
	conn *websocket.Conn
	sid  string
	out  chan []byte
	done chan struct{}
	log  *slog.Logger

	mu           sync.Mutex
	handlers     map[string]ClientEventHandler
	acks         map[uint64]chan Payload
	onDisconnect func()

	ackID      atomic.Uint64
	closedByUs atomic.Bool
	closeOnce  sync.Once
}

// Dial connects to a server address of the form "http://ip:port" and
// performs the auth handshake. A refusal from the server's connect handler
// surfaces as ErrConnectionRefused.
func Dial(ctx context.Context, addr string, auth Payload) (*Client, error) {
	wsURL, err := websocketURL(addr)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	hello, err := encodeFrame(frameHello, 0, "", auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch f.Type {
	case frameWelcome:
		// carries the session id assigned by the server
	case frameRefused:
		reason, _ := decodePayload(f.Data)
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, reason.String("error"))
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake frame %q", f.Type)
	}

	welcome, err := decodePayload(f.Data)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}

	c := &Client{
		conn:     conn,
		sid:      welcome.String("sid"),
		out:      make(chan []byte, 64),
		done:     make(chan struct{}),
		log:      slog.With("component", "eventbus-client"),
		handlers: make(map[string]ClientEventHandler),
		acks:     make(map[uint64]chan Payload),
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// websocketURL rewrites an "http://ip:port" server address to the ws
// endpoint the event bus listens on.
func websocketURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("bad server address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("bad server address scheme %q", u.Scheme)
	}
	if !strings.Contains(u.Host, ":") && u.Host != "" {
		return "", fmt.Errorf("server address %q has no port", addr)
	}
	return u.String(), nil
}

// SID returns the session id the server assigned to this connection.
func (c *Client) SID() string { return c.sid }

// On registers the handler for one server-initiated event.
func (c *Client) On(event string, h ClientEventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnDisconnect installs a callback invoked when the server side goes away.
// It does not fire on a local Close.
func (c *Client) OnDisconnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = f
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, data any) error {
	msg, err := encodeFrame(frameEvent, 0, event, data)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// EmitWithAck sends an event and waits for the server's acknowledgement.
func (c *Client) EmitWithAck(ctx context.Context, event string, data any) (Payload, error) {
	id := c.ackID.Add(1)
	msg, err := encodeFrame(frameEvent, id, event, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan Payload, 1)
	c.mu.Lock()
	c.acks[id] = ch
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.dropAck(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		c.dropAck(id)
		return nil, ErrClosed
	case <-ctx.Done():
		c.dropAck(id)
		return nil, fmt.Errorf("%w: %s", ErrAckTimeout, event)
	}
}

// Close shuts the connection down without firing the disconnect callback.
func (c *Client) Close() error {
	c.closedByUs.Store(true)
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) send(msg []byte) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	queue := make(chan frame, 64)
	defer close(queue)
	go c.dispatchLoop(queue)

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.teardown()
			if !c.closedByUs.Load() {
				c.mu.Lock()
				cb := c.onDisconnect
				c.mu.Unlock()
				if cb != nil {
					cb()
				}
			}
			return
		}
		switch f.Type {
		case frameAck:
			data, err := decodePayload(f.Data)
			if err != nil {
				c.log.Warn("malformed ack", "error", err)
				continue
			}
			c.resolveAck(f.ID, data)
		case frameEvent:
			queue <- f
		default:
			c.log.Warn("unexpected frame", "type", f.Type)
		}
	}
}

func (c *Client) dispatchLoop(queue <-chan frame) {
	for f := range queue {
		data, err := decodeData(f.Data)
		if err != nil {
			c.log.Warn("malformed event", "event", f.Event, "error", err)
			continue
		}

		c.mu.Lock()
		h := c.handlers[f.Event]
		c.mu.Unlock()

		var reply Payload
		if h != nil {
			reply = h(data)
		}
		if f.ID != 0 {
			if reply == nil {
				reply = Payload{}
			}
			if msg, err := encodeFrame(frameAck, f.ID, "", reply); err == nil {
				_ = c.send(msg)
			}
		}
	}
}

func (c *Client) dropAck(id uint64) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func (c *Client) resolveAck(id uint64, data Payload) {
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ch <- data
	}
}
