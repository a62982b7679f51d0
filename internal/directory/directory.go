// Package directory tracks metadata about currently live server
// sessions purely for observability: the admin dashboard's session
// list and, when several tunnel-server processes share a Redis
// instance, a fleet-wide view of who is exposing what port. It is never
// consulted on the connection take/deposit path (see
// internal/registry), so it has no bearing on the spec's
// exactly-once-take-out or registry-scoping invariants.
//
// Grounded on the teacher's state_interface.go / state_factory.go /
// server-redis-state.go trio (github.com/matst80/showoff), including
// the same caveat: a session's identity is meaningful cluster-wide, but
// its live control connection is only ever valid on the instance that
// accepted it.
package directory

import (
	"time"

	"github.com/google/uuid"
)

// SessionInfo is the metadata recorded for one live control session.
type SessionInfo struct {
	ID         uuid.UUID `json:"id"`
	Port       uint16    `json:"port"`
	StartedAt  time.Time `json:"started_at"`
	InstanceID string    `json:"instance_id"`
}

// Directory records and lists live sessions.
type Directory interface {
	Register(info SessionInfo) error
	Unregister(id uuid.UUID)
	List() []SessionInfo
	Close()
}

// New returns a Redis-backed Directory when redisAddr is non-empty,
// falling back to an in-memory Directory otherwise — the same
// backend-selection shape as the teacher's newStateStore.
func New(redisAddr, redisPassword string, redisDB int) (Directory, error) {
	if redisAddr == "" {
		return newMemoryDirectory(), nil
	}
	return newRedisDirectory(redisAddr, redisPassword, redisDB)
}
