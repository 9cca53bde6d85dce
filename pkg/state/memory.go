package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps state in process memory. Nothing survives a restart.
type MemoryStore struct {
	*keyedStore
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keyedStore: newKeyedStore(&memoryBackend{
		data:   make(map[string][]byte),
		leases: make(map[string]memoryLease),
	})}
}

type memoryLease struct {
	owner   string
	expires time.Time
}

type memoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	leases map[string]memoryLease
}

func (m *memoryBackend) update(_ context.Context, id string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.data[id])
	if err != nil {
		return err
	}
	m.data[id] = next
	return nil
}

func (m *memoryBackend) load(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[id], nil
}

func (m *memoryBackend) list(_ context.Context) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(m.data))
	for _, v := range m.data {
		out = append(out, v)
	}
	return out, nil
}

func (m *memoryBackend) remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *memoryBackend) acquire(_ context.Context, id, owner string, ttl time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.leases[id] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *memoryBackend) release(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok && l.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

func (m *memoryBackend) close() error { return nil }
