package backend

import (
	"context"
	"slices"
	"sync"
)

// Store is the durable key-value store collections and queues flush into.
// Load returns nil, nil for a key that was never saved.
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Close() error
}

// Locker is implemented by stores that several processes may open at once.
// Collections and queues keep full copies in memory and save whole
// namespaces, so a process must hold the lock from load to its last save.
// Lock waits until the lock is free or ctx is done, in which case the error
// wraps ErrStoreLocked.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// MemoryStore keeps values in process memory. It is used for tests and for
// the "memory" storage type.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	// SaveErr, when set, is returned by every Save call.
	SaveErr error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Load(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(v), nil
}

func (m *MemoryStore) Save(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.data[key] = slices.Clone(value)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Keys returns the saved keys, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
