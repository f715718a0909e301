package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process memory. It is the default
// store; tasks do not survive a restart with it.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := snap.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.snaps[snap.TaskID] = clone
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, taskID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snap, ok := s.snaps[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.snaps, taskID)
	s.mu.Unlock()
	return nil
}
