package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectHandler decides whether an incoming connection is accepted. The
// returned payload is merged into the welcome frame; a non-nil error refuses
// the connection and its message is sent to the dialer.
type ConnectHandler func(sid string, auth Payload) (Payload, error)

// DisconnectHandler is invoked after a session has gone away.
type DisconnectHandler func(sid string)

// EventHandler handles one named event. The returned payload answers the
// emitter's ack when one was requested; return nil for an empty ack.
type EventHandler func(sid string, data any) Payload

const helloTimeout = 5 * time.Second

// Server accepts event-bus connections and dispatches events to registered
// handlers. Events from one session are dispatched in delivery order; acks
// bypass the dispatch queue so a blocked handler cannot stall them.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        *slog.Logger

	mu           sync.RWMutex
	sessions     map[string]*session
	handlers     map[string]EventHandler
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler
	closed       bool

	ackID atomic.Uint64
}

type session struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}

	// pending counts frames queued but not yet written to the socket.
	pending atomic.Int64

	mu   sync.Mutex
	acks map[uint64]chan Payload

	closeOnce sync.Once
}

// NewServer creates an event-bus server. Handlers must be registered before
// Serve is called.
func NewServer() *Server {
	return &Server{
		log:      slog.With("component", "eventbus"),
		sessions: make(map[string]*session),
		handlers: make(map[string]EventHandler),
		upgrader: websocket.Upgrader{
			// All drift peers are trusted LAN parties; origin checks are
			// the name server's concern, not the transport's.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// OnConnect installs the connect handler.
func (s *Server) OnConnect(h ConnectHandler) { s.onConnect = h }

// OnDisconnect installs the disconnect handler.
func (s *Server) OnDisconnect(h DisconnectHandler) { s.onDisconnect = h }

// Handle registers the handler for one event name.
func (s *Server) Handle(event string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

// Serve accepts connections on lis until Close. It blocks.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.httpServer = &http.Server{Handler: s}
	httpServer := s.httpServer
	s.mu.Unlock()
	err := httpServer.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeHTTP upgrades one connection and runs its read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.runConn(conn)
}

func (s *Server) runConn(conn *websocket.Conn) {
	defer conn.Close()

	auth, err := s.readHello(conn)
	if err != nil {
		s.log.Warn("handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	sid := uuid.NewString()
	sess := &session{
		id:   sid,
		conn: conn,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
		acks: make(map[uint64]chan Payload),
	}

	// The session is registered before the connect handler runs so that
	// emits targeting the connecting sid queue up; the write loop starts
	// only after the welcome frame, keeping it first on the wire.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sessions[sid] = sess
	s.mu.Unlock()

	var reply Payload
	if s.onConnect != nil {
		reply, err = s.onConnect(sid, auth)
		if err != nil {
			s.mu.Lock()
			delete(s.sessions, sid)
			s.mu.Unlock()
			refused, _ := encodeFrame(frameRefused, 0, "", Payload{"error": err.Error()})
			_ = conn.WriteMessage(websocket.TextMessage, refused)
			sess.close()
			return
		}
	}

	welcome := Payload{}
	for k, v := range reply {
		welcome[k] = v
	}
	welcome["sid"] = sid
	msg, _ := encodeFrame(frameWelcome, 0, "", welcome)
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		s.mu.Lock()
		delete(s.sessions, sid)
		s.mu.Unlock()
		sess.close()
		return
	}

	go s.writeLoop(sess)
	s.readLoop(sess)

	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	sess.close()

	if s.onDisconnect != nil {
		s.onDisconnect(sid)
	}
}

func (s *Server) readHello(conn *websocket.Conn) (Payload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	if f.Type != frameHello {
		return nil, fmt.Errorf("expected hello frame, got %q", f.Type)
	}
	return decodePayload(f.Data)
}

// readLoop decodes frames until the connection drops. Events go through the
// per-session queue goroutine; acks are resolved inline.
func (s *Server) readLoop(sess *session) {
	queue := make(chan frame, 64)
	defer close(queue)
	go s.dispatchLoop(sess, queue)

	for {
		var f frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameAck:
			data, err := decodePayload(f.Data)
			if err != nil {
				s.log.Warn("malformed ack", "sid", sess.id, "error", err)
				continue
			}
			sess.resolveAck(f.ID, data)
		case frameEvent:
			queue <- f
		default:
			s.log.Warn("unexpected frame", "sid", sess.id, "type", f.Type)
		}
	}
}

func (s *Server) dispatchLoop(sess *session, queue <-chan frame) {
	for f := range queue {
		data, err := decodeData(f.Data)
		if err != nil {
			s.log.Warn("malformed event", "sid", sess.id, "event", f.Event, "error", err)
			continue
		}

		s.mu.RLock()
		h := s.handlers[f.Event]
		s.mu.RUnlock()

		var reply Payload
		if h != nil {
			reply = h(sess.id, data)
		} else {
			s.log.Debug("unhandled event", "sid", sess.id, "event", f.Event)
		}

		if f.ID != 0 {
			if reply == nil {
				reply = Payload{}
			}
			if msg, err := encodeFrame(frameAck, f.ID, "", reply); err == nil {
				sess.send(msg)
			}
		}
	}
}

func (s *Server) writeLoop(sess *session) {
	for {
		select {
		case msg := <-sess.out:
			err := sess.conn.WriteMessage(websocket.TextMessage, msg)
			sess.pending.Add(-1)
			if err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (s *Server) lookup(sid string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	sess, ok := s.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	}
	return sess, nil
}

// Emit sends a fire-and-forget event to one session.
func (s *Server) Emit(sid, event string, data any) error {
	sess, err := s.lookup(sid)
	if err != nil {
		return err
	}
	msg, err := encodeFrame(frameEvent, 0, event, data)
	if err != nil {
		return err
	}
	sess.send(msg)
	return nil
}

// EmitWithAck sends an event and waits for the session's acknowledgement or
// the context deadline, whichever comes first.
func (s *Server) EmitWithAck(ctx context.Context, sid, event string, data any) (Payload, error) {
	sess, err := s.lookup(sid)
	if err != nil {
		return nil, err
	}
	id := s.ackID.Add(1)
	msg, err := encodeFrame(frameEvent, id, event, data)
	if err != nil {
		return nil, err
	}

	ch := sess.registerAck(id)
	sess.send(msg)

	select {
	case reply := <-ch:
		return reply, nil
	case <-sess.done:
		sess.dropAck(id)
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sid)
	case <-ctx.Done():
		sess.dropAck(id)
		return nil, fmt.Errorf("%w: %s to %s", ErrAckTimeout, event, sid)
	}
}

// Broadcast sends an event to every connected session.
func (s *Server) Broadcast(event string, data any) {
	msg, err := encodeFrame(frameEvent, 0, event, data)
	if err != nil {
		s.log.Warn("broadcast encode failed", "event", event, "error", err)
		return
	}
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()
	for _, sess := range targets {
		sess.send(msg)
	}
}

// Sessions returns the ids of all connected sessions.
func (s *Server) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for sid := range s.sessions {
		ids = append(ids, sid)
	}
	return ids
}

// Disconnect forcibly closes one session.
func (s *Server) Disconnect(sid string) error {
	sess, err := s.lookup(sid)
	if err != nil {
		return err
	}
	sess.close()
	return nil
}

// Flush blocks until every queued outbound frame has been written to its
// socket or the timeout passes. Close drops whatever is still queued, so
// shutdown paths that broadcast a farewell flush first.
func (s *Server) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !s.drained() {
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) drained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.pending.Load() != 0 {
			return false
		}
	}
	return true
}

// Close tears down every session and stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	httpServer := s.httpServer
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}

func (sess *session) send(msg []byte) {
	sess.pending.Add(1)
	select {
	case sess.out <- msg:
	case <-sess.done:
		sess.pending.Add(-1)
	}
}

func (sess *session) registerAck(id uint64) chan Payload {
	ch := make(chan Payload, 1)
	sess.mu.Lock()
	sess.acks[id] = ch
	sess.mu.Unlock()
	return ch
}

func (sess *session) dropAck(id uint64) {
	sess.mu.Lock()
	delete(sess.acks, id)
	sess.mu.Unlock()
}

func (sess *session) resolveAck(id uint64, data Payload) {
	sess.mu.Lock()
	ch, ok := sess.acks[id]
	delete(sess.acks, id)
	sess.mu.Unlock()
	if ok {
		ch <- data
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.conn.Close()
	})
}
