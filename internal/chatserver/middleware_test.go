package chatserver

import (
	"errors"
	"sort"
	"testing"

	"github.com/driftchat/drift/pkg/eventbus"
)

// stubNode is a single-purpose middleware for pipeline tests.
type stubNode struct {
	table map[string]Handler
}

func (n *stubNode) handlers() map[string]Handler { return n.table }

func node(event string, h Handler) *stubNode {
	return &stubNode{table: map[string]Handler{event: h}}
}

func TestPipelineMissingHandlerFallsThrough(t *testing.T) {
	calls := 0
	p := newPipeline(
		node("other", func(string, eventbus.Payload) Result { t.Fatal("wrong handler ran"); return pass() }),
		node("ping", func(string, eventbus.Payload) Result { calls++; return pass() }),
	)

	res := p.handle("ping", "sid", eventbus.Payload{})
	if !res.Next || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestPipelineReplyMergeIsRightBiased(t *testing.T) {
	p := newPipeline(
		node("e", func(string, eventbus.Payload) Result {
			return Result{Next: true, Reply: eventbus.Payload{"a": 1, "b": "first"}}
		}),
		node("e", func(string, eventbus.Payload) Result {
			return Result{Next: true, Reply: eventbus.Payload{"b": "second", "c": true}}
		}),
	)

	res := p.handle("e", "sid", eventbus.Payload{})
	if res.Reply["a"] != 1 || res.Reply["b"] != "second" || res.Reply["c"] != true {
		t.Fatalf("merged reply = %+v", res.Reply)
	}
}

func TestPipelineStopShortCircuits(t *testing.T) {
	p := newPipeline(
		node("e", func(string, eventbus.Payload) Result {
			return Result{Next: false, Reply: eventbus.Payload{"from": "head"}}
		}),
		node("e", func(string, eventbus.Payload) Result {
			t.Fatal("successor ran after stop")
			return pass()
		}),
	)

	res := p.handle("e", "sid", eventbus.Payload{})
	if res.Next {
		t.Error("stopped result reported Next")
	}
	if res.Reply["from"] != "head" {
		t.Errorf("reply = %+v", res.Reply)
	}
}

func TestPipelineErrorStopsAndSurfaces(t *testing.T) {
	boom := errors.New("refused")
	p := newPipeline(
		node("connect", func(string, eventbus.Payload) Result { return Result{Err: boom} }),
		node("connect", func(string, eventbus.Payload) Result {
			t.Fatal("successor ran after error")
			return pass()
		}),
	)

	res := p.handle("connect", "sid", eventbus.Payload{})
	if !errors.Is(res.Err, boom) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestPipelineEventsUnion(t *testing.T) {
	p := newPipeline(
		&stubNode{table: map[string]Handler{
			"connect": nil, "chat": nil,
		}},
		&stubNode{table: map[string]Handler{
			"disconnect": nil, "chat": nil, "migrate": nil,
		}},
	)

	events := p.events()
	sort.Strings(events)
	want := []string{"chat", "migrate"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}
