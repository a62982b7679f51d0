// Package server implements the tunnel-server half of the protocol: the
// control-port listener/acceptor fabric (spec §4.7) and the
// per-connection control-session state machine (spec §4.5) built on top
// of internal/proto, internal/auth, internal/registry, and
// internal/proxy. Structured logging, Prometheus metrics, rate limiting
// and the optional session directory follow the same layering the
// teacher's cmd/server/main.go uses around its own accept loops.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kallelund/boretun/internal/auth"
	"github.com/kallelund/boretun/internal/directory"
	"github.com/kallelund/boretun/internal/obs"
	"github.com/kallelund/boretun/internal/proto"
	"github.com/kallelund/boretun/internal/proxy"
	"github.com/kallelund/boretun/internal/ratelimit"
	"github.com/kallelund/boretun/internal/registry"
	"github.com/kallelund/boretun/internal/tunerr"
)

// ControlPort is the well-known port both control and data connections
// dial, per spec §4.7.
const ControlPort = 7835

// helloDeadline bounds how long a freshly authenticated connection has
// to send its first Hello or Accept frame.
const helloDeadline = 10 * time.Second

// rateLimitCleanupInterval bounds how long a rate limiter bucket for a
// remote address that is no longer connected can survive before Limiter
// forgets it.
const rateLimitCleanupInterval = 30 * time.Second

// Config carries everything Server needs to bind and run.
type Config struct {
	// Addr is the control listener address, e.g. ":7835".
	Addr string
	// Secret enables the challenge-response handshake when non-empty.
	Secret string
	// MinPort and MaxPort bound the public ports the server will hand out.
	MinPort, MaxPort uint16
	// Limiter is optional; a nil Limiter disables abuse mitigation.
	Limiter *ratelimit.Limiter
	// Directory is optional; New uses an in-memory Directory when it is nil.
	Directory directory.Directory
}

// Server runs the control listener and every live session it accepts.
type Server struct {
	cfg      Config
	authr    *auth.Authenticator
	registry *registry.Registry
	dir      directory.Directory

	mu       sync.Mutex
	ln       net.Listener
	sessions map[uuid.UUID]*session
	closing  chan struct{}
	closed   bool

	wg sync.WaitGroup
}

// New builds a Server from cfg. cfg.Directory defaults to an in-memory
// implementation when nil.
func New(cfg Config) *Server {
	dir := cfg.Directory
	if dir == nil {
		dir, _ = directory.New("", "", 0)
	}
	if cfg.MinPort == 0 {
		cfg.MinPort = 1024
	}
	if cfg.MaxPort == 0 {
		cfg.MaxPort = 65535
	}
	return &Server{
		cfg:      cfg,
		authr:    auth.New(cfg.Secret),
		registry: registry.New(),
		dir:      dir,
		sessions: make(map[uuid.UUID]*session),
		closing:  make(chan struct{}),
	}
}

// Sessions returns a snapshot of currently live sessions' metadata, for
// the admin dashboard.
func (s *Server) Sessions() []directory.SessionInfo {
	return s.dir.List()
}

// PendingConnections reports the number of deposited-but-unclaimed
// public connections across every session.
func (s *Server) PendingConnections() int { return s.registry.Len() }

// Serve binds the control listener and accepts connections until ctx is
// canceled or a fatal accept error occurs.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.serveOn(ctx, ln)
}

// Addr returns the control listener's bound address, or nil before
// Serve has bound one.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// serveOn runs the accept loop against an already-bound listener,
// letting tests supply one whose address is known up front.
func (s *Server) serveOn(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.closing:
		}
	}()

	if s.cfg.Limiter != nil {
		go s.cleanupRateLimiter()
	}

	obs.Info("server.listening", obs.Fields{"addr": ln.Addr().String()})
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		remote := conn.RemoteAddr().String()
		if s.cfg.Limiter != nil && !s.cfg.Limiter.AllowConnection(remote) {
			obs.RateLimitedTotal.Inc()
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections, tears down every live
// session, and drains the pending-connection registry. It is safe to
// call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)
	ln := s.ln
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		sess.stop()
	}
	s.wg.Wait()
	s.registry.Close()
	s.dir.Close()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func (s *Server) trackSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) untrackSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// activeRemotes lists the remote addresses of every currently live
// control session, the "still connected" set Limiter.CleanupStale needs
// to avoid evicting a bucket a session is actively using.
func (s *Server) activeRemotes() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.sessions))
	for _, sess := range s.sessions {
		out[sess.remote] = true
	}
	return out
}

// cleanupRateLimiter periodically drops per-remote rate limiter buckets
// for addresses with no live control session, bounding the memory a
// stream of one-off or rejected connections would otherwise grow.
func (s *Server) cleanupRateLimiter() {
	t := time.NewTicker(rateLimitCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-t.C:
			s.cfg.Limiter.CleanupStale(s.activeRemotes())
		}
	}
}

// handleConn runs Accepted -> Authenticating -> AwaitingHello for one
// freshly opened connection, then branches into either a new session
// (Hello) or the registry claim path (Accept), per spec §4.7.
func (s *Server) handleConn(conn net.Conn) {
	f := proto.NewFramer(conn)
	remote := conn.RemoteAddr().String()

	if s.authr.Enabled() {
		if s.cfg.Limiter != nil && !s.cfg.Limiter.AllowAuthAttempt(remote) {
			obs.RateLimitedTotal.Inc()
			_ = conn.Close()
			return
		}
		if err := s.authr.ServerHandshake(f); err != nil {
			obs.AuthFailureTotal.Inc()
			obs.Warn("server.auth", obs.Fields{"remote": remote, "err": err.Error()})
			_ = f.Send(proto.Error("invalid secret"))
			_ = conn.Close()
			return
		}
	}

	msg, err := f.Recv(helloDeadline)
	if err != nil {
		obs.Debug("server.awaiting_hello", obs.Fields{"remote": remote, "err": err.Error()})
		_ = conn.Close()
		return
	}

	switch msg.Kind {
	case proto.KindHello:
		s.runSession(f, msg.Port)
	case proto.KindAccept:
		s.claim(f, msg.UUID)
	default:
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		_ = f.Send(proto.Error("expected Hello or Accept"))
		_ = conn.Close()
	}
}

// claim implements the Accept(uuid) branch of the listener fabric: it
// takes the matching pending public connection out of the registry and
// shuttles it against the freshly dialed data connection.
func (s *Server) claim(f *proto.Framer, id uuid.UUID) {
	public, ok := s.registry.Take(id)
	if !ok {
		// tunerr.NotFound is for internal logging; the wire text is the
		// spec's literal "missing connection", not NotFound.Error()'s
		// "not found: <uuid>" wrapping.
		err := &tunerr.NotFound{ID: id.String()}
		obs.ErrorsTotal.WithLabelValues("missing_connection").Inc()
		obs.Debug("server.claim.miss", obs.Fields{"err": err.Error()})
		_ = f.Send(proto.Error("missing connection"))
		_ = f.Conn().Close()
		return
	}
	obs.TunnelEstablishedTotal.Inc()

	data := f.Conn()
	if leftover := f.Unread(); len(leftover) > 0 {
		if _, err := public.Write(leftover); err != nil {
			obs.Debug("server.claim.flush", obs.Fields{"id": id.String(), "err": err.Error()})
			_ = public.Close()
			_ = data.Close()
			return
		}
	}

	start := time.Now()
	proxy.Shuttle(public, data)
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
}

// allocatePort implements the port allocation policy of spec §4.5.
func (s *Server) allocatePort(requested uint16) (net.Listener, error) {
	if requested == 0 {
		const attempts = 3
		for i := 0; i < attempts; i++ {
			ln, err := net.Listen("tcp", "0.0.0.0:0")
			if err != nil {
				return nil, &tunerr.PortNotAvailable{Reason: err.Error()}
			}
			p := uint16(ln.Addr().(*net.TCPAddr).Port)
			if p >= s.cfg.MinPort && p <= s.cfg.MaxPort {
				return ln, nil
			}
			_ = ln.Close()
		}
		return nil, &tunerr.PortNotAvailable{Reason: "no OS-assigned port fell within range after 3 attempts"}
	}
	if requested < s.cfg.MinPort || requested > s.cfg.MaxPort {
		return nil, &tunerr.PortNotAvailable{Reason: "port outside allowed range"}
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", requested))
	if err != nil {
		return nil, &tunerr.PortNotAvailable{Reason: "port already in use"}
	}
	return ln, nil
}
