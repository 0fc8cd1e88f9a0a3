// Package nameserver implements drift's location registry: a TCP request
// server that maps service URIs to the (at most two) active chat servers
// hosting them, watches each active server over an event-bus liveness probe
// and answers proximity-based resolution queries.
package nameserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/driftchat/drift/pkg/eventbus"
)

const dialTimeout = 5 * time.Second

// livenessProbe is the slice of eventbus.Client the watcher needs;
// replaceable in tests.
type livenessProbe interface {
	On(event string, h eventbus.ClientEventHandler)
	OnDisconnect(func())
	Close() error
}

// Server is the name server process: one registry, one TCP listener, one
// goroutine per accepted connection.
type Server struct {
	host     string
	port     int
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger

	// dialProbe opens the liveness connection back to a newly activated
	// server. Swapped out in tests.
	dialProbe func(addr string) (livenessProbe, error)

	mu  sync.Mutex
	lis net.Listener
	wg  sync.WaitGroup
}

// New creates a name server bound to host:port once Run is called.
func New(host string, port int) *Server {
	s := &Server{
		host:     host,
		port:     port,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		log:      slog.With("component", "nameserver"),
	}
	s.dialProbe = func(addr string) (livenessProbe, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return eventbus.Dial(ctx, addr, eventbus.Payload{"dns_polling": true})
	}
	return s
}

// Registry exposes the registry for tests and the metrics endpoint.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics exposes the server's metric set.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the bound listen address, valid after Run has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Run listens and serves until Close. Each connection is handled on its own
// goroutine and carries exactly one request.
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port)))
	if err != nil {
		return fmt.Errorf("name server listen: %w", err)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.log.Info("name server up", "addr", lis.Addr())

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.wg.Wait()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener; in-flight connections finish.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		// Malformed payloads are dropped without a reply.
		s.log.Warn("malformed request", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	s.metrics.Requests.WithLabelValues(req.Name).Inc()

	var resp Response
	switch req.Name {
	case ReqUpdateServer:
		active := s.registry.Register(req.URI, req.Addr)
		resp = Response{Name: respUpdateServer, Addr: req.Addr, ActiveServer: active}
		s.log.Info("server registered", "uri", req.URI, "addr", req.Addr, "active", active)
		if active {
			go s.watch(req.URI, req.Addr)
		}

	case ReqAddrRequest:
		callerIP := remoteIP(conn)
		addr := s.registry.Closest(callerIP, req.URI)
		status := 200
		if addr == "" {
			status = 404
		}
		resp = Response{Name: respAddr, ReqURI: req.URI, Addr: addr, Status: status}
		s.log.Debug("resolved", "uri", req.URI, "caller", callerIP, "addr", addr)

	case ReqGetRandomServer:
		resp = Response{Name: respRandomServer, Addr: s.registry.Random(req.URI)}

	case ReqSetCurrentServer:
		s.registry.SetCurrent(req.URI, req.Addr, req.SelfAddr)
		resp = Response{Name: respSetCurrentServer}

	case ReqGetReplicaAddr:
		resp = Response{Name: respGetReplicaAddr, Addr: s.registry.Replica(req.URI, req.MyAddr)}
		s.log.Debug("replica lookup", "uri", req.URI, "asker", req.MyAddr, "addr", resp.Addr)

	default:
		s.log.Warn("unknown request", "name", req.Name)
		resp = Response{Name: respEmpty}
	}

	if err := json.NewEncoder(conn).Encode(&resp); err != nil {
		s.log.Warn("reply failed", "remote", conn.RemoteAddr(), "error", err)
	}
}

// watch opens the liveness probe to a freshly activated server. A probe
// that cannot be dialed, or that later disconnects, evicts the address. The
// server announces a deliberate shutdown with server_down_dns, at which
// point the name server just closes its side.
func (s *Server) watch(uri, addr string) {
	probe, err := s.dialProbe(addr)
	if err != nil {
		s.log.Warn("liveness dial failed, evicting", "uri", uri, "addr", addr, "error", err)
		s.registry.Evict(uri, addr)
		s.metrics.Evictions.Inc()
		return
	}
	probe.OnDisconnect(func() {
		s.log.Info("server went down", "uri", uri, "addr", addr)
		s.registry.Evict(uri, addr)
		s.metrics.Evictions.Inc()
	})
	probe.On("server_down_dns", func(any) eventbus.Payload {
		s.log.Info("server going quiet", "uri", uri, "addr", addr)
		probe.Close()
		return nil
	})
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
