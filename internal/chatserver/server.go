// Package chatserver implements the drift chat server: a linear middleware
// pipeline (DNS liveness, live migration, active/active replication, peer
// discovery, chat broadcast) over shared state, fed by the event bus and
// registered in the name server.
package chatserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftchat/drift/internal/nameserver"
	"github.com/driftchat/drift/internal/netutil"
	"github.com/driftchat/drift/pkg/eventbus"
)

// Config carries the knobs of one server process.
type Config struct {
	DNSHost string
	DNSPort int
	URI     string

	// MinUserCount gates history sending and chat broadcast.
	MinUserCount int

	// ServerIP and ServerPort pin the listen address; zero values pick
	// the public IP and a free port.
	ServerIP   string
	ServerPort int

	// Migrating marks a process spawned as a migration target: its
	// registration is allowed to land in an inactive slot because the
	// pointer swap at the end of the handoff activates it.
	Migrating bool

	// MigrateInterval overrides the 30 s migration cycle; tests shorten
	// it.
	MigrateInterval time.Duration
}

// Server is the main chat server for one service URI.
type Server struct {
	cfg  Config
	ip   string
	port int
	addr string

	ns       *nameserver.Client
	bus      *eventbus.Server
	users    *UserTable
	messages *MessageLog
	metrics  *Metrics
	log      *slog.Logger

	pipe        *pipeline
	migration   *migrationMiddleware
	replication *replicationMiddleware

	stateMu     sync.Mutex
	minUsers    int
	historySent bool

	simulateDown atomic.Bool
	migrating    atomic.Bool

	probeMu  sync.Mutex
	probeSID string

	// terminate runs after a successful migration handoff; tests swap it
	// out to keep the process alive.
	terminate func()

	serveDone chan error
	closeOnce sync.Once
}

// New builds a server and wires the middleware chain onto the event bus.
// The listener is not opened until Run.
func New(cfg Config) (*Server, error) {
	ip := cfg.ServerIP
	if ip == "" {
		var err error
		ip, err = netutil.PublicIP()
		if err != nil {
			return nil, fmt.Errorf("discover public ip: %w", err)
		}
	}
	port := cfg.ServerPort
	if port == 0 {
		var err error
		port, err = netutil.FreePort(ip)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:       cfg,
		ip:        ip,
		port:      port,
		addr:      netutil.FormatAddr(ip, port),
		ns:        nameserver.NewClient(cfg.DNSHost, cfg.DNSPort),
		bus:       eventbus.NewServer(),
		users:     NewUserTable(),
		messages:  NewMessageLog(),
		metrics:   NewMetrics(),
		minUsers:  cfg.MinUserCount,
		serveDone: make(chan error, 1),
	}
	s.log = slog.With("component", "chatserver", "addr", s.addr)
	s.terminate = func() {
		s.bus.Flush(farewellFlushTimeout)
		s.bus.Close()
		os.Exit(0)
	}

	s.migration = newMigrationMiddleware(s, cfg.MigrateInterval)
	s.replication = newReplicationMiddleware(s)
	s.pipe = newPipeline(
		newDNSMiddleware(s),
		s.migration,
		s.replication,
		newP2PMiddleware(s),
		newChatMiddleware(s),
	)

	s.bus.OnConnect(func(sid string, auth eventbus.Payload) (eventbus.Payload, error) {
		if s.simulateDown.Load() {
			return nil, ErrServerDown
		}
		res := s.pipe.handle("connect", sid, auth)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Reply, nil
	})
	s.bus.OnDisconnect(func(sid string) {
		if s.simulateDown.Load() {
			return
		}
		s.pipe.handle("disconnect", sid, eventbus.Payload{})
	})
	for _, event := range s.pipe.events() {
		event := event
		s.bus.Handle(event, func(sid string, data any) eventbus.Payload {
			if s.simulateDown.Load() {
				return nil
			}
			res := s.pipe.handle(event, sid, eventbus.AsPayload(data))
			return res.Reply
		})
	}

	return s, nil
}

// Addr is the canonical "http://ip:port" address this server registers.
func (s *Server) Addr() string { return s.addr }

// Users exposes the user table.
func (s *Server) Users() *UserTable { return s.users }

// Messages exposes the transcript.
func (s *Server) Messages() *MessageLog { return s.messages }

// Metrics exposes the server's metric set.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Bus exposes the event-bus server, mainly for tests.
func (s *Server) Bus() *eventbus.Server { return s.bus }

// SetTerminate replaces the post-migration exit hook.
func (s *Server) SetTerminate(f func()) { s.terminate = f }

// Run opens the listener, registers with the name server, pairs with the
// replica and starts the migration cycle, then blocks until the bus shuts
// down. A refused registration is fatal unless this process is a migration
// target.
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", net.JoinHostPort(s.ip, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("chat server listen: %w", err)
	}
	go func() { s.serveDone <- s.bus.Serve(lis) }()
	s.log.Info("chat server up", "uri", s.cfg.URI)

	active, err := s.ns.RegisterServer(s.cfg.URI, s.addr)
	if err != nil {
		s.bus.Close()
		return fmt.Errorf("name server registration: %w", err)
	}
	if !active && !s.cfg.Migrating {
		s.bus.Close()
		return fmt.Errorf("%w: %s already has two active servers",
			nameserver.ErrRegistrationRefused, s.cfg.URI)
	}
	s.log.Info("registered with name server", "active", active)

	if active {
		if err := s.replication.pair(); errors.Is(err, ErrNoReplica) {
			s.log.Debug("no replica registered yet")
		} else if err != nil {
			s.log.Warn("replica pairing failed", "error", err)
		}
	}
	s.migration.startCycle()

	return <-s.serveDone
}

// Close stops the migration cycle, drops the replica link and shuts the
// bus down.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.migration.stopCycle()
		s.replication.close()
		s.bus.Close()
	})
	return nil
}

// farewellFlushTimeout bounds the wait for the shutdown broadcasts to
// reach the wire before the sessions are torn down.
const farewellFlushTimeout = 2 * time.Second

// Shutdown is the console TERMINAR path: tell the name server probe we are
// going quiet, warn clients, then close once the farewells have drained.
func (s *Server) Shutdown() {
	s.probeMu.Lock()
	probe := s.probeSID
	s.probeMu.Unlock()
	if probe != "" {
		if err := s.bus.Emit(probe, "server_down_dns", nil); err != nil {
			s.log.Warn("probe notify failed", "error", err)
		}
	}
	s.bus.Broadcast("server_down", nil)
	s.bus.Flush(farewellFlushTimeout)
	s.Close()
}

// SimulateDown toggles the console's simulated-outage mode: every event is
// dropped and new connections are refused while set.
func (s *Server) SimulateDown(down bool) {
	s.simulateDown.Store(down)
	s.log.Info("simulated outage toggled", "down", down)
}

func (s *Server) setProbeSID(sid string) {
	s.probeMu.Lock()
	s.probeSID = sid
	s.probeMu.Unlock()
}

func (s *Server) minUserCount() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.minUsers
}

func (s *Server) setMinUserCount(n int) {
	s.stateMu.Lock()
	s.minUsers = n
	s.stateMu.Unlock()
}

func (s *Server) historySentFlag() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.historySent
}

func (s *Server) setHistorySent(v bool) {
	s.stateMu.Lock()
	s.historySent = v
	s.stateMu.Unlock()
}
