package chatserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftchat/drift/pkg/eventbus"
)

const (
	replicaDialTimeout = 5 * time.Second
	syncAckTimeout     = 30 * time.Second
)

// replicationMiddleware keeps the active/active pair in step: it owns the
// outbound link to the replica, the shared message counter, and the
// forwarding of user-table changes.
//
// Index agreement works by round-trip: the sender proposes its next_index,
// the replica reserves max(own, proposed) and bumps past it, and the sender
// stamps the reserved value and bumps past it too. Both sides apply the same
// max-plus-one rule, so the counters reconverge after any divergence. Two
// chats hitting both replicas in the same instant can still briefly claim
// the same index; that hazard is accepted.
type replicationMiddleware struct {
	srv *Server
	h   map[string]Handler

	indexMu   sync.Mutex
	nextIndex uint64

	peerMu sync.Mutex
	peer   *eventbus.Client
}

func newReplicationMiddleware(srv *Server) *replicationMiddleware {
	m := &replicationMiddleware{srv: srv}
	m.h = map[string]Handler{
		"connect":              m.onConnect,
		"disconnect":           m.onDisconnect,
		"connect_other_server": m.onConnectOtherServer,
		"sync_next_index":      m.onSyncNextIndex,
		"chat":                 m.onChat,
		"update_p2p_uri":       m.onUpdateP2PURI,
	}
	return m
}

func (m *replicationMiddleware) handlers() map[string]Handler { return m.h }

// pair asks the name server for the other active address and, when one
// exists, dials it and tells it to upgrade its own link to us. It returns
// ErrNoReplica when no peer is registered yet; we then wait for one to
// dial in.
func (m *replicationMiddleware) pair() error {
	addr, err := m.srv.ns.ReplicaAddr(m.srv.cfg.URI, m.srv.addr)
	if err != nil {
		return fmt.Errorf("replica lookup: %w", err)
	}
	if addr == "" {
		return ErrNoReplica
	}
	return m.dialPeer(addr, true)
}

// dialPeer opens the outbound replica link. announce sends
// connect_other_server so the peer drops its old link and redials us;
// it is false when we are the one being told to redial.
func (m *replicationMiddleware) dialPeer(addr string, announce bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), replicaDialTimeout)
	defer cancel()

	client, err := eventbus.Dial(ctx, addr, eventbus.Payload{"replica_addr": m.srv.addr})
	if err != nil {
		return fmt.Errorf("replica dial %s: %w", addr, err)
	}
	client.OnDisconnect(func() {
		m.srv.log.Warn("replica link dropped", "addr", addr)
		m.clearPeer(client)
	})

	m.peerMu.Lock()
	old := m.peer
	m.peer = client
	m.peerMu.Unlock()
	if old != nil {
		old.Close()
	}

	m.srv.log.Info("replica paired", "addr", addr)
	if announce {
		if err := client.Emit("connect_other_server", eventbus.Payload{"replica_addr": m.srv.addr}); err != nil {
			m.srv.log.Warn("replica announce failed", "addr", addr, "error", err)
		}
	}
	return nil
}

func (m *replicationMiddleware) currentPeer() *eventbus.Client {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	return m.peer
}

func (m *replicationMiddleware) clearPeer(c *eventbus.Client) {
	m.peerMu.Lock()
	if m.peer == c {
		m.peer = nil
	}
	m.peerMu.Unlock()
}

// onConnect short-circuits incoming replica links and mirrors ordinary user
// connects to the peer.
func (m *replicationMiddleware) onConnect(sid string, data eventbus.Payload) Result {
	if data.Has("replica_addr") {
		m.srv.log.Info("replica connected inbound", "addr", data.String("replica_addr"), "sid", sid)
		return Result{}
	}
	if data.Has("username") {
		if peer := m.currentPeer(); peer != nil {
			event := "sync_new_user"
			if data.Bool("reconnecting") {
				event = "sync_new_user_reconnection"
			}
			if err := peer.Emit(event, data); err != nil {
				m.srv.log.Warn("user sync failed", "error", err)
			}
		}
	}
	return pass()
}

func (m *replicationMiddleware) onDisconnect(sid string, data eventbus.Payload) Result {
	if user, ok := m.srv.users.BySID(sid); ok && !user.Replicated {
		if peer := m.currentPeer(); peer != nil {
			err := peer.Emit("disconnect_synced_user",
				eventbus.Payload{"sid": sid, "username": user.Name})
			if err != nil {
				m.srv.log.Warn("disconnect sync failed", "error", err)
			}
		}
	}
	return pass()
}

// onConnectOtherServer replaces whatever link we hold with one to the
// sender; this resolves pairing races towards a single canonical direction.
func (m *replicationMiddleware) onConnectOtherServer(sid string, data eventbus.Payload) Result {
	addr := data.String("replica_addr")
	if addr == "" {
		return Result{}
	}
	if err := m.dialPeer(addr, false); err != nil {
		m.srv.log.Warn("replica redial failed", "error", err)
	}
	return Result{}
}

// onSyncNextIndex reserves an index on the peer's behalf. The payload's
// message_index is rewritten to the reserved value so the chat middleware
// downstream stores the message where both sides agree it belongs.
func (m *replicationMiddleware) onSyncNextIndex(sid string, data eventbus.Payload) Result {
	incoming, _ := data.Uint64("message_index")

	m.indexMu.Lock()
	reserved := max(m.nextIndex, incoming)
	m.nextIndex = reserved + 1
	m.indexMu.Unlock()

	data["message_index"] = reserved
	m.srv.metrics.ReplicationSyncs.WithLabelValues("in").Inc()
	return Result{Next: true, Reply: eventbus.Payload{"next_index": reserved}}
}

// onChat stamps the message index, agreeing with the replica when one is
// connected. The index lock is released across the network wait; the ack is
// what synchronizes the counters.
func (m *replicationMiddleware) onChat(sid string, data eventbus.Payload) Result {
	if data.String("client_name") == "" {
		user, ok := m.srv.users.BySID(sid)
		if !ok {
			return Result{}
		}
		data["client_name"] = user.Name
	}

	peer := m.currentPeer()
	if peer == nil {
		m.indexMu.Lock()
		data["message_index"] = m.nextIndex
		m.nextIndex++
		m.indexMu.Unlock()
		return pass()
	}

	m.indexMu.Lock()
	data["message_index"] = m.nextIndex
	m.indexMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), syncAckTimeout)
	defer cancel()
	reply, err := peer.EmitWithAck(ctx, "sync_next_index", data)
	if err != nil {
		// Without the ack the message is not broadcast locally either;
		// the counter recovers at the next successful sync.
		m.srv.log.Warn("index sync failed, dropping replica link", "error", err)
		m.clearPeer(peer)
		peer.Close()
		return Result{}
	}

	m.indexMu.Lock()
	if reserved, ok := reply.Uint64("next_index"); ok {
		data["message_index"] = reserved
		m.nextIndex = max(m.nextIndex, reserved) + 1
	}
	m.indexMu.Unlock()

	m.srv.metrics.ReplicationSyncs.WithLabelValues("out").Inc()
	return pass()
}

// onUpdateP2PURI mirrors endpoint rebinds to the peer before the chat
// middleware applies them locally.
func (m *replicationMiddleware) onUpdateP2PURI(sid string, data eventbus.Payload) Result {
	if peer := m.currentPeer(); peer != nil {
		if err := peer.Emit("update_p2p_uri_replica", data); err != nil {
			m.srv.log.Warn("uri sync failed", "error", err)
		}
	}
	return pass()
}

// bumpTo moves the counter forward to at least idx; used after a migration
// hands over an already-populated transcript.
func (m *replicationMiddleware) bumpTo(idx uint64) {
	m.indexMu.Lock()
	if idx > m.nextIndex {
		m.nextIndex = idx
	}
	m.indexMu.Unlock()
}

func (m *replicationMiddleware) close() {
	m.peerMu.Lock()
	peer := m.peer
	m.peer = nil
	m.peerMu.Unlock()
	if peer != nil {
		peer.Close()
	}
}
