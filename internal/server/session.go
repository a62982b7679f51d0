package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kallelund/boretun/internal/directory"
	"github.com/kallelund/boretun/internal/obs"
	"github.com/kallelund/boretun/internal/proto"
	"github.com/kallelund/boretun/internal/registry"
	"github.com/kallelund/boretun/internal/tunerr"
)

// heartbeatInterval and idleTimeout implement the Running-state rows of
// spec §4.5's state table: send a Heartbeat after this much outbound
// idleness, and treat the control connection as dead if no frame at all
// arrives within twice that.
const (
	heartbeatInterval = 500 * time.Millisecond
	idleTimeout       = 2 * heartbeatInterval
)

// session is one control connection in the Running/Draining states: it
// owns a public listener and forwards each accepted connection to the
// client as a Connection(uuid) frame.
type session struct {
	id        uuid.UUID
	srv       *Server
	f         *proto.Framer
	ln        net.Listener
	port      uint16
	remote    string
	startedAt time.Time

	pendingMu  sync.Mutex
	pendingIDs map[uuid.UUID]struct{}

	// lastSendNano is the UnixNano timestamp of the last frame this
	// session wrote, updated by send(). heartbeatLoop reads it to only
	// heartbeat after genuine outbound idleness, per spec §4.5.
	lastSendNano atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// send writes msg and records the time, so heartbeatLoop can tell
// genuine idleness from a control channel that's already busy.
func (sess *session) send(msg proto.Message) error {
	err := sess.f.Send(msg)
	if err == nil {
		sess.lastSendNano.Store(time.Now().UnixNano())
	}
	return err
}

// runSession handles the AwaitingHello -> Running transition: it
// allocates a public listener for requestedPort, acks with the resolved
// port, and then drives the session until the control connection is
// lost.
func (s *Server) runSession(f *proto.Framer, requestedPort uint16) {
	ln, err := s.allocatePort(requestedPort)
	if err != nil {
		obs.Info("session.hello.rejected", obs.Fields{"port": requestedPort, "err": err.Error()})
		// The wire text is the bare Reason, not err.Error()'s "port not
		// available: ..." wrapping — spec's Hello-rejection scenario
		// requires the literal reason text on the Error frame.
		reason := err.Error()
		if pna, ok := err.(*tunerr.PortNotAvailable); ok {
			reason = pna.Reason
		}
		_ = f.Send(proto.Error(reason))
		_ = f.Conn().Close()
		return
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	if err := f.Send(proto.Hello(port)); err != nil {
		_ = ln.Close()
		_ = f.Conn().Close()
		return
	}

	sess := &session{
		id:         uuid.New(),
		srv:        s,
		f:          f,
		ln:         ln,
		port:       port,
		remote:     f.Conn().RemoteAddr().String(),
		startedAt:  time.Now(),
		pendingIDs: make(map[uuid.UUID]struct{}),
		done:       make(chan struct{}),
	}
	sess.lastSendNano.Store(sess.startedAt.UnixNano())
	s.trackSession(sess)
	defer s.untrackSession(sess)

	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()
	_ = s.dir.Register(directory.SessionInfo{ID: sess.id, Port: port, StartedAt: sess.startedAt})
	defer s.dir.Unregister(sess.id)

	obs.Info("session.start", obs.Fields{"id": sess.id.String(), "port": port, "remote": sess.remote})
	sess.run()
	obs.Info("session.end", obs.Fields{"id": sess.id.String(), "port": port})
}

// run drives the accept, heartbeat, and control-read loops concurrently
// until one of them detects the control connection is gone, then drains
// whatever this session still has pending in the registry.
func (sess *session) run() {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sess.acceptLoop() }()
	go func() { defer wg.Done(); sess.heartbeatLoop() }()
	go func() { defer wg.Done(); sess.readLoop() }()
	wg.Wait()
	sess.drain()
}

// acceptLoop implements the per-public-connection flow of spec §4.5:
// accept, generate a uuid, deposit, then announce it. Deposit always
// happens before the Connection frame is sent.
func (sess *session) acceptLoop() {
	for {
		conn, err := sess.ln.Accept()
		if err != nil {
			return
		}
		id := uuid.New()
		sess.trackPending(id)
		sess.srv.registry.Deposit(id, conn)
		if err := sess.send(proto.Connection(id)); err != nil {
			obs.Debug("session.dispatch", obs.Fields{"id": sess.id.String(), "err": err.Error()})
			sess.stop()
			return
		}
	}
}

// heartbeatLoop polls at heartbeatInterval and sends a Heartbeat only
// once that much time has actually passed since the last frame this
// session wrote — a Connection announcement or a heartbeat reply both
// count as outbound activity, so a busy control channel doesn't get
// heartbeats layered on top of real traffic. Framer.Send is safe for
// concurrent callers, so this runs independently of acceptLoop.
func (sess *session) heartbeatLoop() {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, sess.lastSendNano.Load()))
			if idle < heartbeatInterval {
				continue
			}
			if err := sess.send(proto.Heartbeat()); err != nil {
				obs.Debug("session.heartbeat", obs.Fields{"id": sess.id.String(), "err": err.Error()})
				sess.stop()
				return
			}
		}
	}
}

// readLoop dispatches inbound control-channel frames and doubles as
// dead-connection detection: a Recv timeout after idleTimeout means no
// frame — not even a Heartbeat — arrived in time.
func (sess *session) readLoop() {
	for {
		msg, err := sess.f.Recv(idleTimeout)
		if err != nil {
			obs.Debug("session.read", obs.Fields{"id": sess.id.String(), "err": err.Error()})
			sess.stop()
			return
		}
		switch msg.Kind {
		case proto.KindHeartbeat:
			if err := sess.send(proto.Heartbeat()); err != nil {
				sess.stop()
				return
			}
		default:
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
			_ = sess.f.Send(proto.Error("unexpected message on control channel"))
			sess.stop()
			return
		}
	}
}

// stop transitions the session into Draining: the public listener and
// control connection are closed, which unblocks acceptLoop, heartbeatLoop
// and readLoop so run's WaitGroup can complete.
func (sess *session) stop() {
	sess.stopOnce.Do(func() {
		close(sess.done)
		_ = sess.ln.Close()
		_ = sess.f.Conn().Close()
	})
}

// drain implements Draining's "cancel pending" action: any of this
// session's deposited connections still sitting in the registry are
// forced out and closed rather than left to TTL out on their own.
func (sess *session) drain() {
	sess.pendingMu.Lock()
	ids := make([]uuid.UUID, 0, len(sess.pendingIDs))
	for id := range sess.pendingIDs {
		ids = append(ids, id)
	}
	sess.pendingMu.Unlock()
	for _, id := range ids {
		if conn, ok := sess.srv.registry.Take(id); ok {
			_ = conn.Close()
		}
	}
}

func (sess *session) trackPending(id uuid.UUID) {
	sess.pendingMu.Lock()
	sess.pendingIDs[id] = struct{}{}
	sess.pendingMu.Unlock()
	// A deposited entry can't remain in the registry past its TTL either
	// way (claimed or expired), so forget it after the same window
	// rather than growing pendingIDs for the life of a long session.
	time.AfterFunc(registry.TTL, func() { sess.untrackPending(id) })
}

func (sess *session) untrackPending(id uuid.UUID) {
	sess.pendingMu.Lock()
	delete(sess.pendingIDs, id)
	sess.pendingMu.Unlock()
}
