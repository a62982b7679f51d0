// Package registry implements the server-side pending-connection
// bookkeeping described in spec §4.4: a UUID-keyed map from an accepted
// public socket to its deposit time, with a bounded TTL and
// exactly-once take-out. The server owns exactly one Registry, shared
// by every control session, mirroring original_source/src/server.rs's
// single `conns: Arc<DashMap<Uuid, TcpStream>>` field on its Server
// struct rather than one map per session — a connection's claim ticket
// is a random UUID good for any control session on the process, not a
// namespace scoped to the session that deposited it, so the Accept(uuid)
// claim path (§4.7) needs no per-session routing table.
//
// Grounded directly on original_source/src/server.rs's
// `DashMap<Uuid, TcpStream>` plus a `tokio::spawn(sleep(10s))` eviction
// task per entry; here a sync.Mutex-guarded map and a time.AfterFunc
// per entry play the same role.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kallelund/boretun/internal/obs"
)

// TTL is the window during which a deposited connection remains
// claimable before it is expired and closed.
const TTL = 10 * time.Second

type entry struct {
	conn  net.Conn
	timer *time.Timer
}

// Registry holds every pending public connection across all of a
// server's live sessions.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*entry)}
}

// Deposit inserts conn under id with a fresh TTL. If the TTL elapses
// before Take is called, the entry is silently removed and conn closed.
// The caller must not deposit the same id twice; spec §3 assumes UUID
// uniqueness from the RNG, so Deposit does not itself guard against it.
func (r *Registry) Deposit(id uuid.UUID, conn net.Conn) {
	e := &entry{conn: conn}
	r.mu.Lock()
	r.entries[id] = e
	n := len(r.entries)
	r.mu.Unlock()
	obs.PendingConnections.Set(float64(n))

	e.timer = time.AfterFunc(TTL, func() { r.expire(id, e) })
}

// expire removes id if e is still the current entry (guards against a
// concurrent Take having already won) and closes the socket.
func (r *Registry) expire(id uuid.UUID, e *entry) {
	r.mu.Lock()
	cur, ok := r.entries[id]
	won := ok && cur == e
	if won {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !won {
		return
	}
	obs.PendingConnections.Set(float64(n))
	obs.TunnelExpiredTotal.Inc()
	_ = e.conn.Close()
}

// Take atomically removes and returns the connection deposited under
// id. The second return value is false if id was never deposited, was
// already taken, or has expired.
func (r *Registry) Take(id uuid.UUID) (net.Conn, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	obs.PendingConnections.Set(float64(n))
	e.timer.Stop()
	return e.conn, true
}

// Len reports the number of currently pending connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close drops and closes every remaining entry of every session. The
// server calls it on shutdown; a single session's teardown only takes
// out and closes its own entries (internal/server's session drain).
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[uuid.UUID]*entry)
	r.mu.Unlock()
	obs.PendingConnections.Set(0)
	for _, e := range entries {
		e.timer.Stop()
		_ = e.conn.Close()
	}
}
