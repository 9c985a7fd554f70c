package server

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by a Store for an unknown resource.
var ErrNotFound = errors.New("resource not found")

// Store holds the resources a Server serves. Implementations must be safe
// for concurrent use; each stream is handled on its own goroutine.
type Store interface {
	// Get returns the contents of a resource, or ErrNotFound.
	Get(resourceID uint32) ([]byte, error)
	// Put replaces the contents of a resource.
	Put(resourceID uint32, data []byte) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[uint32][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[uint32][]byte)}
}

// Get returns a copy of the resource.
func (m *MemoryStore) Get(resourceID uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.resources[resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data.
func (m *MemoryStore) Put(resourceID uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[resourceID] = append([]byte{}, data...)
	return nil
}

// IDs returns the stored resource ids in ascending order.
func (m *MemoryStore) IDs() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.resources))
	for id := range m.resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
