package chatserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/driftchat/drift/internal/nameserver"
	"github.com/driftchat/drift/internal/netutil"
	"github.com/driftchat/drift/pkg/eventbus"
)

const (
	testURI     = "backend.com"
	waitTimeout = 10 * time.Second
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// startNS runs a real name server on loopback and returns it with its
// host/port.
func startNS(t *testing.T) (*nameserver.Server, string, int) {
	t.Helper()
	ns := nameserver.New("127.0.0.1", 0)
	go ns.Run()
	t.Cleanup(func() { ns.Close() })

	waitFor(t, "name server listener", func() bool { return ns.Addr() != nil })

	host, portStr, err := net.SplitHostPort(ns.Addr().String())
	if err != nil {
		t.Fatalf("split ns addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return ns, host, port
}

// startChat runs one chat server against the given name server. The
// terminate hook is replaced so a successful migration does not kill the
// test binary.
func startChat(t *testing.T, nsHost string, nsPort int, cfg Config) *Server {
	t.Helper()
	cfg.DNSHost = nsHost
	cfg.DNSPort = nsPort
	if cfg.URI == "" {
		cfg.URI = testURI
	}
	cfg.ServerIP = "127.0.0.1"
	if cfg.MigrateInterval == 0 {
		cfg.MigrateInterval = time.Hour
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.SetTerminate(func() {})
	go srv.Run()
	t.Cleanup(func() { srv.Close() })
	waitFor(t, "chat server listener", func() bool {
		c, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.ServerIP, strconv.Itoa(srv.port)), time.Second)
		if err != nil {
			return false
		}
		c.Close()
		return true
	})
	return srv
}

// testUser is one connected chat participant with its interesting events
// funneled into channels.
type testUser struct {
	conn *eventbus.Client

	chats     chan eventbus.Payload
	uuids     chan string
	history   chan any
	pauses    chan bool
	reconnect chan struct{}
	downs     chan struct{}
}

func join(t *testing.T, addr, name string) *testUser {
	t.Helper()
	u, err := tryJoin(addr, name, false)
	if err != nil {
		t.Fatalf("join %s as %s: %v", addr, name, err)
	}
	t.Cleanup(func() { u.conn.Close() })
	return u
}

func tryJoin(addr, name string, reconnecting bool) (*testUser, error) {
	u := &testUser{
		chats:     make(chan eventbus.Payload, 16),
		uuids:     make(chan string, 4),
		history:   make(chan any, 4),
		pauses:    make(chan bool, 4),
		reconnect: make(chan struct{}, 1),
		downs:     make(chan struct{}, 1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, err := eventbus.Dial(ctx, addr, eventbus.Payload{
		"username":     name,
		"publicUri":    "http://127.0.0.1:7070",
		"reconnecting": reconnecting,
	})
	if err != nil {
		return nil, err
	}
	u.conn = conn

	conn.On("chat", func(data any) eventbus.Payload {
		u.chats <- eventbus.AsPayload(data)
		return nil
	})
	conn.On("send_uuid", func(data any) eventbus.Payload {
		if id, ok := data.(string); ok {
			u.uuids <- id
		}
		return nil
	})
	conn.On("message_history", func(data any) eventbus.Payload {
		u.history <- eventbus.AsPayload(data)["messages"]
		return nil
	})
	conn.On("pause_messaging", func(data any) eventbus.Payload {
		if v, ok := data.(bool); ok {
			u.pauses <- v
		}
		return nil
	})
	conn.On("reconnect", func(data any) eventbus.Payload {
		select {
		case u.reconnect <- struct{}{}:
		default:
		}
		return nil
	})
	conn.On("server_down", func(data any) eventbus.Payload {
		select {
		case u.downs <- struct{}{}:
		default:
		}
		return nil
	})
	return u, nil
}

func (u *testUser) say(t *testing.T, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := u.conn.EmitWithAck(ctx, "chat", eventbus.Payload{"message": text})
	if err != nil {
		t.Fatalf("chat %q: %v", text, err)
	}
	if reply.String("status") != "ok" {
		t.Fatalf("chat %q acked with %+v", text, reply)
	}
}

func TestSoloServerChat(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})

	ana := join(t, srv.Addr(), "ana")

	select {
	case id := <-ana.uuids:
		if id == "" {
			t.Error("empty uuid")
		}
	case <-time.After(waitTimeout):
		t.Fatal("no send_uuid after connect")
	}

	ana.say(t, "first")
	ana.say(t, "second")

	waitFor(t, "transcript to fill", func() bool { return srv.Messages().Len() == 2 })
	if m, ok := srv.Messages().Get(0); !ok || m.Text != "first" || m.Username != "ana" {
		t.Errorf("message 0 = %+v ok=%v", m, ok)
	}
	if m, ok := srv.Messages().Get(1); !ok || m.Text != "second" {
		t.Errorf("message 1 = %+v ok=%v", m, ok)
	}

	// The speaker receives their own fanout too.
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ana.chats:
			if msg.String("username") != "ana" {
				t.Errorf("fanout username = %q", msg.String("username"))
			}
		case <-time.After(waitTimeout):
			t.Fatal("fanout never arrived")
		}
	}
}

func TestDuplicateUsernameRefused(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})

	join(t, srv.Addr(), "ana")

	_, err := tryJoin(srv.Addr(), "ana", false)
	if !errors.Is(err, eventbus.ErrConnectionRefused) {
		t.Fatalf("second ana: %v, want refusal", err)
	}
}

func TestHistoryThreshold(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{MinUserCount: 2})

	ana := join(t, srv.Addr(), "ana")
	ana.say(t, "early bird")

	// Below the threshold nothing is fanned out.
	select {
	case msg := <-ana.chats:
		t.Fatalf("got fanout below threshold: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
	if srv.Messages().Len() != 1 {
		t.Fatalf("early message not stored: len=%d", srv.Messages().Len())
	}

	bruno := join(t, srv.Addr(), "bruno")

	// Crossing the threshold broadcasts the transcript to everyone once.
	for name, u := range map[string]*testUser{"ana": ana, "bruno": bruno} {
		select {
		case h := <-u.history:
			pairs := decodeIndexedMessages(h)
			if len(pairs) != 1 || pairs[0].Message.Text != "early bird" {
				t.Errorf("%s history = %+v", name, pairs)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("%s never received history", name)
		}
	}

	// Later joiners get the transcript privately.
	carla := join(t, srv.Addr(), "carla")
	select {
	case h := <-carla.history:
		if pairs := decodeIndexedMessages(h); len(pairs) != 1 {
			t.Errorf("carla history = %+v", pairs)
		}
	case <-time.After(waitTimeout):
		t.Fatal("carla never received history")
	}
}

func TestPeerAddrRequest(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})

	ana := join(t, srv.Addr(), "ana")
	join(t, srv.Addr(), "bruno")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	reply, err := ana.conn.EmitWithAck(ctx, "addr_request", eventbus.Payload{"username": "bruno"})
	if err != nil {
		t.Fatalf("addr_request: %v", err)
	}
	if reply.String("uri") != "http://127.0.0.1:7070" {
		t.Errorf("uri = %q", reply.String("uri"))
	}
	if reply.String("uuid") == "" {
		t.Error("empty uuid in addr reply")
	}

	reply, err = ana.conn.EmitWithAck(ctx, "addr_request", eventbus.Payload{"username": "nobody"})
	if err != nil {
		t.Fatalf("addr_request unknown: %v", err)
	}
	if reply["uri"] != nil {
		t.Errorf("unknown user uri = %v", reply["uri"])
	}
}

func TestReplicationConvergence(t *testing.T) {
	_, host, port := startNS(t)
	s1 := startChat(t, host, port, Config{})
	waitFor(t, "first server active", func() bool { return len(s1.Bus().Sessions()) >= 1 })

	s2 := startChat(t, host, port, Config{})
	waitFor(t, "replica pair", func() bool {
		return s1.replication.currentPeer() != nil && s2.replication.currentPeer() != nil
	})

	ana := join(t, s1.Addr(), "ana")
	bruno := join(t, s2.Addr(), "bruno")

	// Users are mirrored onto the other replica.
	waitFor(t, "user sync", func() bool {
		_, ok1 := s2.Users().ByName("ana")
		_, ok2 := s1.Users().ByName("bruno")
		return ok1 && ok2
	})
	if u, _ := s2.Users().ByName("ana"); !u.Replicated {
		t.Error("ana on s2 should be a replicated shadow")
	}

	ana.say(t, "from one")
	bruno.say(t, "from two")

	waitFor(t, "transcripts to converge", func() bool {
		return s1.Messages().Len() == 2 && s2.Messages().Len() == 2
	})

	p1, p2 := s1.Messages().SortedPairs(), s2.Messages().SortedPairs()
	for i := range p1 {
		if p1[i].Index != p2[i].Index || p1[i].Message != p2[i].Message {
			t.Fatalf("transcripts diverge at %d: %+v vs %+v", i, p1[i], p2[i])
		}
	}

	// Each user sees both lines exactly once, in index order.
	for name, u := range map[string]*testUser{"ana": ana, "bruno": bruno} {
		var got []uint64
		for len(got) < 2 {
			select {
			case msg := <-u.chats:
				idx, _ := msg.Uint64("index")
				got = append(got, idx)
			case <-time.After(waitTimeout):
				t.Fatalf("%s saw only %v", name, got)
			}
		}
		if got[0] == got[1] {
			t.Errorf("%s saw duplicate indices %v", name, got)
		}
	}
}

func TestFailoverRepairsLink(t *testing.T) {
	ns, host, port := startNS(t)
	s1 := startChat(t, host, port, Config{})
	waitFor(t, "first server probed", func() bool { return len(s1.Bus().Sessions()) >= 1 })
	s2 := startChat(t, host, port, Config{})
	waitFor(t, "replica pair", func() bool {
		return s1.replication.currentPeer() != nil && s2.replication.currentPeer() != nil
	})

	s1.Close()

	waitFor(t, "dead server eviction", func() bool {
		actives := ns.Registry().Actives(testURI)
		return len(actives) == 1 && actives[0] == s2.Addr()
	})
	waitFor(t, "peer link cleared", func() bool { return s2.replication.currentPeer() == nil })

	// A fresh server claims the free slot and the pair reforms.
	s3 := startChat(t, host, port, Config{})
	waitFor(t, "new pair", func() bool {
		return s2.replication.currentPeer() != nil && s3.replication.currentPeer() != nil
	})

	bruno := join(t, s2.Addr(), "bruno")
	bruno.say(t, "still alive")

	waitFor(t, "replication to new peer", func() bool { return s3.Messages().Len() == 1 })
	if m, ok := s3.Messages().Get(0); !ok || m.Text != "still alive" {
		t.Errorf("s3 message = %+v ok=%v", m, ok)
	}
}

func TestMigrationHandsOverState(t *testing.T) {
	ns, host, port := startNS(t)
	s1 := startChat(t, host, port, Config{MigrateInterval: 500 * time.Millisecond})

	retired := make(chan struct{})
	s1.SetTerminate(func() { close(retired) })

	ana := join(t, s1.Addr(), "ana")

	// The elected client spawns the successor in-process.
	var successor *Server
	started := make(chan *Server, 1)
	ana.conn.On("server_start", func(data any) eventbus.Payload {
		next, err := New(Config{
			DNSHost:         host,
			DNSPort:         port,
			URI:             testURI,
			ServerIP:        "127.0.0.1",
			Migrating:       true,
			MigrateInterval: time.Hour,
		})
		if err != nil {
			t.Errorf("spawn successor: %v", err)
			return eventbus.Payload{}
		}
		next.SetTerminate(func() {})
		go next.Run()
		started <- next

		ip, p, err := netutil.SplitAddr(next.Addr())
		if err != nil {
			t.Errorf("split successor addr: %v", err)
			return eventbus.Payload{}
		}

		// The predecessor dials as soon as it gets this ack; hold it until
		// the successor is actually accepting.
		deadline := time.Now().Add(waitTimeout)
		for {
			c, err := net.DialTimeout("tcp", net.JoinHostPort(ip, strconv.Itoa(p)), time.Second)
			if err == nil {
				c.Close()
				break
			}
			if time.Now().After(deadline) {
				t.Error("successor never started listening")
				return eventbus.Payload{}
			}
			time.Sleep(10 * time.Millisecond)
		}
		return eventbus.Payload{"ip": ip, "port": p}
	})

	ana.say(t, "before the move")

	select {
	case <-retired:
	case <-time.After(waitTimeout):
		t.Fatal("migration never completed")
	}
	successor = <-started
	t.Cleanup(func() { successor.Close() })

	// Clients observed the pause and the reconnect order.
	select {
	case paused := <-ana.pauses:
		if !paused {
			t.Error("first pause_messaging was false")
		}
	case <-time.After(waitTimeout):
		t.Fatal("no pause_messaging during migration")
	}
	select {
	case <-ana.reconnect:
	case <-time.After(waitTimeout):
		t.Fatal("no reconnect broadcast")
	}

	// The successor inherited the transcript and the pointer.
	if successor.Messages().Len() != 1 {
		t.Fatalf("successor transcript len = %d", successor.Messages().Len())
	}
	if m, ok := successor.Messages().Get(0); !ok || m.Text != "before the move" {
		t.Errorf("inherited message = %+v ok=%v", m, ok)
	}
	waitFor(t, "pointer swap", func() bool {
		for _, a := range ns.Registry().Actives(testURI) {
			if a == successor.Addr() {
				return true
			}
		}
		return false
	})

	// New chats on the successor continue past the inherited index.
	bruno, err := tryJoin(successor.Addr(), "bruno", false)
	if err != nil {
		t.Fatalf("join successor: %v", err)
	}
	t.Cleanup(func() { bruno.conn.Close() })
	bruno.say(t, "after the move")

	waitFor(t, "post-migration append", func() bool { return successor.Messages().Len() == 2 })
	if m, ok := successor.Messages().Get(1); !ok || m.Text != "after the move" {
		t.Errorf("post-migration message = %+v ok=%v", m, ok)
	}
}

func TestMigrationLatchRefusesConnects(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})

	join(t, srv.Addr(), "ana")

	srv.migrating.Store(true)
	if _, err := tryJoin(srv.Addr(), "bruno", false); !errors.Is(err, eventbus.ErrConnectionRefused) {
		t.Fatalf("connect during handoff: %v, want refusal", err)
	}

	// Migration transfers still get through while the latch is set.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	transfer, err := eventbus.Dial(ctx, srv.Addr(), eventbus.Payload{"migration": true})
	if err != nil {
		t.Fatalf("migration transfer refused: %v", err)
	}
	transfer.Close()

	srv.migrating.Store(false)
	bruno, err := tryJoin(srv.Addr(), "bruno", false)
	if err != nil {
		t.Fatalf("connect after aborted handoff: %v", err)
	}
	t.Cleanup(func() { bruno.conn.Close() })
}

func TestPairWithoutReplica(t *testing.T) {
	ns, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})
	waitFor(t, "registration", func() bool {
		return len(ns.Registry().Actives(testURI)) == 1
	})

	if err := srv.replication.pair(); !errors.Is(err, ErrNoReplica) {
		t.Fatalf("pair = %v, want ErrNoReplica", err)
	}
}

func TestShutdownDeliversFarewell(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})

	ana := join(t, srv.Addr(), "ana")

	srv.Shutdown()

	select {
	case <-ana.downs:
	case <-time.After(waitTimeout):
		t.Fatal("server_down never arrived before the sessions closed")
	}
}

func TestSimulatedOutage(t *testing.T) {
	_, host, port := startNS(t)
	srv := startChat(t, host, port, Config{})

	join(t, srv.Addr(), "ana")

	srv.SimulateDown(true)
	if _, err := tryJoin(srv.Addr(), "bruno", false); !errors.Is(err, eventbus.ErrConnectionRefused) {
		t.Fatalf("connect during outage: %v, want refusal", err)
	}

	srv.SimulateDown(false)
	bruno, err := tryJoin(srv.Addr(), "bruno", false)
	if err != nil {
		t.Fatalf("connect after recovery: %v", err)
	}
	t.Cleanup(func() { bruno.conn.Close() })
}
