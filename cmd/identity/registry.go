package identity

import (
	"context"
	"sync"
)

// Registry remembers identities that have authenticated at least once.
type Registry interface {
	Remember(ctx context.Context, id Identity) error
	Known(ctx context.Context, userID string) (bool, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	users map[string]Identity
}

// NewMemoryRegistry constructs an empty MemoryRegistry seeded with ids.
func NewMemoryRegistry(seed ...Identity) *MemoryRegistry {
	r := &MemoryRegistry{users: make(map[string]Identity, len(seed))}
	for _, id := range seed {
		if ValidateUserID(id.UserID) == nil {
			r.users[id.UserID] = id
		}
	}
	return r
}

// Remember implements Registry.
func (r *MemoryRegistry) Remember(_ context.Context, id Identity) error {
	if err := ValidateUserID(id.UserID); err != nil {
		return err
	}
	r.mu.Lock()
	r.users[id.UserID] = id
	r.mu.Unlock()
	return nil
}

// Known implements Registry.
func (r *MemoryRegistry) Known(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	return ok, nil
}
