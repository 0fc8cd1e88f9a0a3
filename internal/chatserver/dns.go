package chatserver

import (
	"github.com/driftchat/drift/pkg/eventbus"
)

// dnsMiddleware recognizes the name server's liveness probes so they never
// reach the user-facing middlewares.
type dnsMiddleware struct {
	srv *Server
	h   map[string]Handler
}

func newDNSMiddleware(srv *Server) *dnsMiddleware {
	m := &dnsMiddleware{srv: srv}
	m.h = map[string]Handler{
		"connect": m.onConnect,
	}
	return m
}

func (m *dnsMiddleware) handlers() map[string]Handler { return m.h }

func (m *dnsMiddleware) onConnect(sid string, data eventbus.Payload) Result {
	if data.Has("dns_polling") {
		m.srv.log.Debug("name server probe attached", "sid", sid)
		m.srv.setProbeSID(sid)
		return Result{Reply: eventbus.Payload{"status": "OK"}}
	}
	return pass()
}
