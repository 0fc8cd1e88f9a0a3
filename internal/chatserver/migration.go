package chatserver

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/driftchat/drift/internal/netutil"
	"github.com/driftchat/drift/pkg/eventbus"
)

const (
	// serverStartTimeout bounds the wait for a client to spawn the next
	// server and ack with its address.
	serverStartTimeout = 10 * time.Second

	// migrateAckTimeout bounds the state transfer to the successor.
	migrateAckTimeout = 30 * time.Second

	// DefaultMigrateInterval is how long the server stays put between
	// migration attempts.
	DefaultMigrateInterval = 30 * time.Second
)

// migrationMiddleware owns the migration state machine: a background cycle
// that periodically elects a connected client as the next home of the
// service, hands the transcript over and retires this process.
//
// While the migrating latch is set no new user connections are accepted and
// clients buffer their outgoing messages (they observed pause_messaging).
type migrationMiddleware struct {
	srv       *Server
	h         map[string]Handler
	interval  time.Duration
	migrating *atomic.Bool
	stop      chan struct{}
}

func newMigrationMiddleware(srv *Server, interval time.Duration) *migrationMiddleware {
	if interval <= 0 {
		interval = DefaultMigrateInterval
	}
	m := &migrationMiddleware{
		srv:       srv,
		interval:  interval,
		migrating: &srv.migrating,
		stop:      make(chan struct{}),
	}
	m.h = map[string]Handler{
		"connect": m.onConnect,
		"migrate": m.onMigrate,
	}
	return m
}

func (m *migrationMiddleware) handlers() map[string]Handler { return m.h }

// startCycle launches the background migration loop. The loop ends either
// on shutdown or when a migration succeeds, at which point the process is
// about to terminate anyway.
func (m *migrationMiddleware) startCycle() {
	go func() {
		for {
			select {
			case <-m.stop:
				return
			case <-time.After(m.interval):
			}
			m.srv.log.Info("migration cycle due")
			if m.migrate() {
				return
			}
			m.srv.log.Info("migration attempt failed, repeating cycle")
		}
	}()
}

func (m *migrationMiddleware) stopCycle() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// migrate runs one full handoff attempt. It reports true only when the
// successor owns the service and this process should exit.
func (m *migrationMiddleware) migrate() bool {
	var newAddr string
	var target *eventbus.Client

	for target == nil {
		victim, ok := m.pickVictim()
		if !ok {
			m.srv.log.Info("no candidate clients, aborting cycle")
			return false
		}

		newAddr = m.requestServerStart(victim.SID)
		if newAddr == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), replicaDialTimeout)
		c, err := eventbus.Dial(ctx, newAddr, eventbus.Payload{"migration": true})
		cancel()
		if err != nil {
			m.srv.log.Warn("successor unreachable", "addr", newAddr, "error", err)
			continue
		}
		target = c
	}

	// From here on clients queue their messages locally.
	m.migrating.Store(true)
	m.srv.bus.Broadcast("pause_messaging", true)

	state := eventbus.Payload{
		"messages":       m.srv.messages.SortedPairs(),
		"min_user_count": m.srv.minUserCount(),
		"history_sent":   m.srv.historySentFlag(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateAckTimeout)
	_, err := target.EmitWithAck(ctx, "migrate", state)
	cancel()
	if err != nil {
		m.srv.log.Warn("state transfer failed", "addr", newAddr, "error", err)
		target.Close()
		m.abortPause()
		m.srv.metrics.Migrations.WithLabelValues("failed").Inc()
		return false
	}
	target.Close()

	if err := m.srv.ns.SetCurrentServer(m.srv.cfg.URI, newAddr, m.srv.addr); err != nil {
		m.srv.log.Warn("pointer swap failed", "addr", newAddr, "error", err)
		m.abortPause()
		m.srv.metrics.Migrations.WithLabelValues("failed").Inc()
		return false
	}

	m.srv.metrics.Migrations.WithLabelValues("ok").Inc()
	m.srv.log.Info("migration complete, retiring", "successor", newAddr)
	m.srv.bus.Broadcast("reconnect", nil)
	m.srv.terminate()
	return true
}

// abortPause lets clients resume against this server after a failed
// handoff.
func (m *migrationMiddleware) abortPause() {
	m.migrating.Store(false)
	m.srv.bus.Broadcast("pause_messaging", false)
}

// pickVictim chooses a directly connected live user at random. Replicated
// entries are skipped; their session belongs to the replica link, not to a
// client that could spawn anything.
func (m *migrationMiddleware) pickVictim() (User, bool) {
	var candidates []User
	for _, u := range m.srv.users.Live() {
		if !u.Replicated {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return User{}, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// requestServerStart asks one client to start the next server process and
// returns the announced address, "" on timeout or a malformed ack.
func (m *migrationMiddleware) requestServerStart(sid string) string {
	ctx, cancel := context.WithTimeout(context.Background(), serverStartTimeout)
	defer cancel()

	reply, err := m.srv.bus.EmitWithAck(ctx, sid, "server_start", eventbus.Payload{})
	if err != nil {
		m.srv.log.Warn("server start request failed", "sid", sid, "error", err)
		return ""
	}
	ip := reply.String("ip")
	port, ok := reply.Int("port")
	if ip == "" || !ok {
		m.srv.log.Warn("malformed server start ack", "sid", sid)
		return ""
	}
	return netutil.FormatAddr(ip, port)
}

// onConnect gates connections during a handoff. Migration transfers are
// accepted and short-circuited; ordinary users are refused while the latch
// is set.
func (m *migrationMiddleware) onConnect(sid string, data eventbus.Payload) Result {
	if data.Bool("migration") {
		m.srv.log.Info("migration transfer connected", "sid", sid)
		return Result{}
	}
	if m.migrating.Load() {
		return Result{Err: ErrMigrationInProgress}
	}
	return pass()
}

// onMigrate runs on the successor: absorb the predecessor's transcript and
// thresholds, and move the index counter past the inherited history.
func (m *migrationMiddleware) onMigrate(sid string, data eventbus.Payload) Result {
	pairs := decodeIndexedMessages(data["messages"])
	m.srv.messages.Replace(pairs)
	if n, ok := data.Int("min_user_count"); ok {
		m.srv.setMinUserCount(n)
	}
	m.srv.setHistorySent(data.Bool("history_sent"))
	if maxIdx, ok := m.srv.messages.MaxIndex(); ok {
		m.srv.replication.bumpTo(maxIdx + 1)
	}
	m.srv.log.Info("state received", "messages", len(pairs),
		"min_user_count", m.srv.minUserCount(), "history_sent", m.srv.historySentFlag())

	// The predecessor swaps the name-server pointer right after acking this
	// transfer; only then does a replica lookup name the right peer.
	go func() {
		time.Sleep(pairAfterHandoffDelay)
		if err := m.srv.replication.pair(); err != nil && !errors.Is(err, ErrNoReplica) {
			m.srv.log.Warn("post-handoff pairing failed", "error", err)
		}
	}()
	return Result{}
}

// pairAfterHandoffDelay leaves the predecessor time to complete the
// pointer swap before the successor looks up its replica.
const pairAfterHandoffDelay = 2 * time.Second
