package chatserver

import (
	"github.com/driftchat/drift/pkg/eventbus"
)

// Result is what one middleware handler produces for an event.
//
// Next passes the event on to the successor middleware. Reply is merged
// into the event's acknowledgement; when successors also reply, their keys
// win. A non-nil Err on a connect event refuses the connection.
type Result struct {
	Next  bool
	Reply eventbus.Payload
	Err   error
}

// pass is the implicit result of a middleware with no handler for an event.
func pass() Result { return Result{Next: true} }

// Handler processes one event for one middleware.
type Handler func(sid string, data eventbus.Payload) Result

// middleware is one node of the server's fixed processing chain. Handlers
// returns the events the node cares about; events absent from the map fall
// through unchanged.
type middleware interface {
	handlers() map[string]Handler
}

// pipeline is the chain DNS → Migration → Replication → P2P → Chat. Every
// event enters at the head; each node may stop propagation, contribute to
// the reply, or both.
type pipeline struct {
	nodes []middleware
}

func newPipeline(nodes ...middleware) *pipeline {
	return &pipeline{nodes: nodes}
}

// handle walks the chain. The accumulated reply is right-biased: a
// successor's keys overwrite an earlier node's.
func (p *pipeline) handle(event, sid string, data eventbus.Payload) Result {
	reply := eventbus.Payload{}
	for _, node := range p.nodes {
		h, ok := node.handlers()[event]
		if !ok {
			continue
		}
		res := h(sid, data)
		if res.Err != nil {
			return Result{Reply: reply, Err: res.Err}
		}
		for k, v := range res.Reply {
			reply[k] = v
		}
		if !res.Next {
			return Result{Reply: reply}
		}
	}
	return Result{Next: true, Reply: reply}
}

// events is the union of all handled event names, minus connect and
// disconnect which the transport delivers through dedicated callbacks.
func (p *pipeline) events() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, node := range p.nodes {
		for name := range node.handlers() {
			if name == "connect" || name == "disconnect" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
