package directory

import (
	"sync"

	"github.com/google/uuid"
)

type memoryDirectory struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]SessionInfo
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{sessions: make(map[uuid.UUID]SessionInfo)}
}

func (d *memoryDirectory) Register(info SessionInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[info.ID] = info
	return nil
}

func (d *memoryDirectory) Unregister(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

func (d *memoryDirectory) List() []SessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

func (d *memoryDirectory) Close() {}
