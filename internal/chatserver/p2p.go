package chatserver

import (
	"github.com/driftchat/drift/pkg/eventbus"
)

// p2pMiddleware answers peer address lookups so clients can open direct
// side-channels to each other.
type p2pMiddleware struct {
	srv *Server
	h   map[string]Handler
}

func newP2PMiddleware(srv *Server) *p2pMiddleware {
	m := &p2pMiddleware{srv: srv}
	m.h = map[string]Handler{
		"addr_request": m.onAddrRequest,
	}
	return m
}

func (m *p2pMiddleware) handlers() map[string]Handler { return m.h }

func (m *p2pMiddleware) onAddrRequest(sid string, data eventbus.Payload) Result {
	reply := eventbus.Payload{"uri": nil, "uuid": nil}
	if user, ok := m.srv.users.ByName(data.String("username")); ok {
		reply["uri"] = user.URI
		reply["uuid"] = user.UUID
	}
	return Result{Reply: reply}
}
