// Package chatclient implements the terminal chat client: it resolves the
// service URI through the name server, connects over the event bus, prints
// the room, buffers outgoing messages during a migration pause and spawns
// the next server process when elected as migration target.
package chatclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/nameserver"
	"github.com/driftchat/drift/internal/netutil"
	"github.com/driftchat/drift/internal/termcolor"
	"github.com/driftchat/drift/pkg/eventbus"
)

const (
	resolveRetries    = 10
	resolveRetryDelay = time.Second
	ackTimeout        = 10 * time.Second
)

// Config carries everything the client needs to join a room.
type Config struct {
	DNSHost string
	DNSPort int
	URI     string

	Username  string
	PublicURI string // advertised p2p endpoint, picked automatically when empty

	// SpawnServer starts the next server process during a migration and
	// returns its address. The default execs this binary's server
	// subcommand; tests substitute their own.
	SpawnServer func() (ip string, port int, err error)
}

// Client is one connected chat participant.
type Client struct {
	cfg Config
	ns  *nameserver.Client
	log *slog.Logger

	mu      sync.Mutex
	conn    *eventbus.Client
	uuid    string
	paused  bool
	pending []string

	done chan struct{}
	once sync.Once
}

// New prepares a client; Connect actually joins.
func New(cfg Config) (*Client, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("username must not be empty")
	}
	if cfg.PublicURI == "" {
		ip, err := netutil.PublicIP()
		if err != nil {
			return nil, err
		}
		port, err := netutil.FreePort(ip)
		if err != nil {
			return nil, err
		}
		cfg.PublicURI = netutil.FormatAddr(ip, port)
	}
	return &Client{
		cfg:  cfg,
		ns:   nameserver.NewClient(cfg.DNSHost, cfg.DNSPort),
		log:  slog.With("component", "chatclient"),
		done: make(chan struct{}),
	}, nil
}

// UUID returns the identity the server assigned, "" before the first
// send_uuid.
func (c *Client) UUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uuid
}

// Connect resolves the URI and joins the room.
func (c *Client) Connect() error {
	return c.connect(false)
}

func (c *Client) connect(reconnecting bool) error {
	addr, err := c.resolve()
	if err != nil {
		return err
	}

	auth := eventbus.Payload{
		"username":     c.cfg.Username,
		"publicUri":    c.cfg.PublicURI,
		"reconnecting": reconnecting,
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	conn, err := eventbus.Dial(ctx, addr, auth)
	if err != nil {
		return fmt.Errorf("join %s: %w", addr, err)
	}

	c.installHandlers(conn)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if reconnecting {
		// The new server must rebind our p2p endpoint to this session.
		_ = conn.Emit("update_p2p_uri", eventbus.Payload{
			"username":  c.cfg.Username,
			"publicUri": c.cfg.PublicURI,
		})
		c.setPaused(false)
		c.flushPending()
	}
	c.log.Info("connected", "server", addr, "reconnecting", reconnecting)
	return nil
}

// resolve retries the name server lookup; during a migration the pointer
// swap can lag the reconnect signal by a moment.
func (c *Client) resolve() (string, error) {
	var lastErr error
	for i := 0; i < resolveRetries; i++ {
		addr, err := c.ns.Resolve(c.cfg.URI)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		select {
		case <-c.done:
			return "", lastErr
		case <-time.After(resolveRetryDelay):
		}
	}
	return "", lastErr
}

func (c *Client) installHandlers(conn *eventbus.Client) {
	conn.On("chat", func(data any) eventbus.Payload {
		p := eventbus.AsPayload(data)
		idx, _ := p.Uint64("index")
		if p.String("username") == c.cfg.Username {
			return nil
		}
		termcolor.Cyan("[%d] %s: %s", idx, p.String("username"), p.String("message"))
		return nil
	})
	conn.On("server_message", func(data any) eventbus.Payload {
		termcolor.Green("%s", eventbus.AsPayload(data).String("message"))
		return nil
	})
	conn.On("send_uuid", func(data any) eventbus.Payload {
		if id, ok := data.(string); ok {
			c.mu.Lock()
			c.uuid = id
			c.mu.Unlock()
		}
		return nil
	})
	conn.On("message_history", func(data any) eventbus.Payload {
		p := eventbus.AsPayload(data)
		list, _ := p["messages"].([]any)
		for _, item := range list {
			pair, ok := item.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			idx, _ := pair[0].(float64)
			body := eventbus.AsPayload(pair[1])
			termcolor.Faint("[%d] %s: %s", uint64(idx), body.String("username"), body.String("message"))
		}
		return nil
	})
	conn.On("pause_messaging", func(data any) eventbus.Payload {
		paused, _ := data.(bool)
		if paused {
			termcolor.Yellow("server is migrating, messages will be queued")
			c.setPaused(true)
		} else {
			termcolor.Yellow("messaging resumed")
			c.setPaused(false)
			c.flushPending()
		}
		return nil
	})
	conn.On("reconnect", func(data any) eventbus.Payload {
		termcolor.Yellow("server moved, reconnecting…")
		go c.rejoin(conn)
		return nil
	})
	conn.On("server_down", func(data any) eventbus.Payload {
		termcolor.Red("server is shutting down")
		return nil
	})
	conn.On("server_start", func(data any) eventbus.Payload {
		return c.handleServerStart()
	})
	conn.OnDisconnect(func() {
		select {
		case <-c.done:
			return
		default:
		}
		termcolor.Red("connection lost, rejoining…")
		c.rejoin(conn)
	})
}

// handleServerStart is the migration election: spawn the next server and
// ack its address so the old server can transfer state to it.
func (c *Client) handleServerStart() eventbus.Payload {
	spawn := c.cfg.SpawnServer
	if spawn == nil {
		spawn = func() (string, int, error) {
			return SpawnServerProcess(c.cfg.DNSHost, c.cfg.DNSPort, c.cfg.URI)
		}
	}
	ip, port, err := spawn()
	if err != nil {
		c.log.Error("server spawn failed", "error", err)
		return eventbus.Payload{}
	}
	termcolor.Yellow("elected as next server host: %s:%d", ip, port)
	return eventbus.Payload{"ip": ip, "port": port}
}

// rejoin drops the given connection and joins the currently registered
// server as a reconnecting user.
func (c *Client) rejoin(old *eventbus.Client) {
	old.Close()
	if err := c.connect(true); err != nil {
		termcolor.Red("rejoin failed: %v", err)
		c.Close()
	}
}

func (c *Client) setPaused(v bool) {
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
}

// Send emits one chat line, or queues it while the server is migrating.
func (c *Client) Send(text string) {
	c.mu.Lock()
	if c.paused || c.conn == nil {
		c.pending = append(c.pending, text)
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Emit("chat", eventbus.Payload{"message": text}); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, text)
		c.mu.Unlock()
	}
}

func (c *Client) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	conn := c.conn
	c.mu.Unlock()

	for _, text := range queued {
		if conn == nil {
			return
		}
		_ = conn.Emit("chat", eventbus.Payload{"message": text})
	}
}

// PeerLookup asks the server for another user's p2p endpoint.
func (c *Client) PeerLookup(username string) (uri, uuid string, err error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	reply, err := conn.EmitWithAck(ctx, "addr_request", eventbus.Payload{"username": username})
	if err != nil {
		return "", "", err
	}
	return reply.String("uri"), reply.String("uuid"), nil
}

// Run reads the interactive loop from in until EOF or Close: plain lines
// are chat messages, "/peer <name>" looks a user up, "/quit" leaves.
func (c *Client) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-c.done:
			return nil
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			c.Close()
			return nil
		case strings.HasPrefix(line, "/peer "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/peer "))
			uri, uuid, err := c.PeerLookup(name)
			if err != nil || uri == "" {
				termcolor.Red("no peer endpoint for %s", name)
				continue
			}
			termcolor.Green("%s → %s (uuid %s)", name, uri, uuid)
		default:
			c.Send(line)
		}
	}
	return scanner.Err()
}

// Close leaves the room for good; no rejoin is attempted afterwards.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
