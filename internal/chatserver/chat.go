package chatserver

import (
	"fmt"

	"github.com/driftchat/drift/pkg/eventbus"
)

// chatMiddleware is the tail of the chain: it owns user admission, the
// transcript, the history threshold and the broadcast of chat lines.
type chatMiddleware struct {
	srv *Server
	h   map[string]Handler
}

func newChatMiddleware(srv *Server) *chatMiddleware {
	m := &chatMiddleware{srv: srv}
	m.h = map[string]Handler{
		"connect":                    m.onConnect,
		"disconnect":                 m.onDisconnect,
		"chat":                       m.onChat,
		"sync_next_index":            m.onChat,
		"sync_new_user":              m.onSyncNewUser,
		"sync_new_user_reconnection": m.onSyncReconnectingUser,
		"disconnect_synced_user":     m.onDisconnectSyncedUser,
		"update_p2p_uri":             m.onUpdateURI,
		"update_p2p_uri_replica":     m.onUpdateURI,
	}
	return m
}

func (m *chatMiddleware) handlers() map[string]Handler { return m.h }

func (m *chatMiddleware) onConnect(sid string, data eventbus.Payload) Result {
	username := data.String("username")
	replicated := data.Has("replicated")

	user, err := m.srv.users.Add(username, sid, data.String("publicUri"), replicated)
	if err != nil {
		m.srv.log.Info("connection refused", "username", username, "error", err)
		m.srv.metrics.Connects.WithLabelValues("refused").Inc()
		return Result{Err: err}
	}
	m.srv.metrics.Connects.WithLabelValues("ok").Inc()
	m.srv.metrics.ConnectedUsers.Set(float64(m.srv.users.LiveCount()))

	reconnecting := data.Bool("reconnecting")

	if !user.Replicated {
		if !reconnecting {
			m.srv.bus.Broadcast("server_message", eventbus.Payload{
				"message": fmt.Sprintf("✓ %s has connected to the server", username),
			})
		}
		if err := m.srv.bus.Emit(sid, "send_uuid", user.UUID); err != nil {
			m.srv.log.Warn("uuid send failed", "sid", sid, "error", err)
		}

		if m.srv.users.LiveCount() >= m.srv.minUserCount() && !reconnecting {
			m.sendHistory(sid)
		}
		m.srv.log.Debug("user connected", "username", user.Name, "sid", sid)
	}
	return pass()
}

// sendHistory flushes the sorted transcript: to everyone on the first time
// the threshold is reached, to the new session only afterwards.
func (m *chatMiddleware) sendHistory(sid string) {
	payload := eventbus.Payload{"messages": m.srv.messages.SortedPairs()}
	if m.srv.historySentFlag() {
		if err := m.srv.bus.Emit(sid, "message_history", payload); err != nil {
			m.srv.log.Warn("history send failed", "sid", sid, "error", err)
		}
		return
	}
	m.srv.bus.Broadcast("message_history", payload)
	m.srv.setHistorySent(true)
}

func (m *chatMiddleware) onDisconnect(sid string, data eventbus.Payload) Result {
	user, ok := m.srv.users.Tombstone(sid)
	if !ok {
		return pass()
	}
	m.srv.metrics.ConnectedUsers.Set(float64(m.srv.users.LiveCount()))
	if !user.Replicated {
		m.srv.log.Debug("user disconnected", "username", user.Name)
		m.srv.bus.Broadcast("server_message", eventbus.Payload{
			"message": fmt.Sprintf("❌ %s has disconnected from the server", user.Name),
		})
	}
	return pass()
}

// onChat appends the (by now fully indexed) message to the transcript and
// fans it out. It serves both the direct chat event and the replica's
// sync_next_index.
func (m *chatMiddleware) onChat(sid string, data eventbus.Payload) Result {
	clientName := data.String("client_name")

	index, indexed := data.Uint64("message_index")
	if indexed {
		m.srv.messages.Append(index, Message{Username: clientName, Text: data.String("message")})
		m.srv.metrics.Messages.Inc()
	}

	if m.srv.users.LiveCount() >= m.srv.minUserCount() || m.srv.historySentFlag() {
		out := eventbus.Payload{
			"username": clientName,
			"message":  data.String("message"),
			"index":    index,
		}
		for _, u := range m.srv.users.Live() {
			if u.Replicated {
				// Their session is the replica link, which carries its
				// own copy through sync_next_index.
				continue
			}
			if err := m.srv.bus.Emit(u.SID, "chat", out); err != nil {
				m.srv.log.Warn("chat fanout failed", "sid", u.SID, "error", err)
			}
		}
	}
	return Result{Next: true, Reply: eventbus.Payload{"status": "ok"}}
}

// onSyncNewUser admits a user the replica learned about; the entry is
// marked replicated so no client-facing side effects fire.
func (m *chatMiddleware) onSyncNewUser(sid string, data eventbus.Payload) Result {
	data["replicated"] = true
	res := m.onConnect(sid, data)
	if res.Err != nil {
		m.srv.log.Warn("user sync rejected", "username", data.String("username"), "error", res.Err)
	}
	return pass()
}

func (m *chatMiddleware) onSyncReconnectingUser(sid string, data eventbus.Payload) Result {
	return pass()
}

// onDisconnectSyncedUser tombstones a user whose real server saw them
// leave. The remote session id means nothing here, so the name is the
// fallback key.
func (m *chatMiddleware) onDisconnectSyncedUser(sid string, data eventbus.Payload) Result {
	user, ok := m.srv.users.BySID(data.String("sid"))
	if !ok {
		user, ok = m.srv.users.ByName(data.String("username"))
	}
	if ok {
		m.srv.users.Tombstone(user.SID)
	}
	return pass()
}

// onUpdateURI rebinds a user's published p2p endpoint to the session that
// sent the update. Serves both the direct event and the replica-forwarded
// copy.
func (m *chatMiddleware) onUpdateURI(sid string, data eventbus.Payload) Result {
	username := data.String("username")
	if username == "" {
		return pass()
	}
	if _, err := m.srv.users.Rebind(username, sid, data.String("publicUri")); err != nil {
		m.srv.log.Warn("uri rebind failed", "username", username, "error", err)
	}
	return pass()
}
