package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/torua/internal/errors"
)

// ErrNotFound is the code carried by ErrKeyNotFound.
const ErrNotFound errors.Code = "KeyNotFound"

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New(ErrNotFound, "key not found")

// Store is a flat key-value space holding the documents of one collection.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get returns a copy of the value stored under key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Put stores a copy of value, overwriting any previous value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// List returns every key in ascending order.
	List() ([]string, error)

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// Backend hands out one Store per collection namespace.
type Backend interface {
	// Store returns the store for ns, creating it if needed.
	Store(ns string) (Store, error)

	// Drop discards every document of ns.
	Drop(ns string) error

	// Namespaces lists the collections with a store, in ascending order.
	Namespaces() ([]string, error)

	Close() error
}

// MemoryStore implements Store with an in-memory map guarded by a RWMutex.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory store.
//
// Example:
//
//	store := NewMemoryStore()
//	_ = store.Put("alice", []byte(`{"age":30}`))
//	value, err := store.Get("alice")
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put stores a value with the given key
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key-value pair
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns all keys in ascending order.
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Stats returns the number of keys and their total value size.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}

// MemoryBackend keeps one MemoryStore per namespace. Nothing survives a
// restart.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*MemoryStore)}
}

func (b *MemoryBackend) Store(ns string) (Store, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.stores[ns]
	if !ok {
		s = NewMemoryStore()
		b.stores[ns] = s
	}
	return s, nil
}

func (b *MemoryBackend) Drop(ns string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stores, ns)
	return nil
}

func (b *MemoryBackend) Namespaces() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.stores))
	for ns := range b.stores {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Close() error { return nil }

// ErrBadNamespace is returned for a namespace that is not "<db>.<collection>".
const ErrBadNamespace errors.Code = "BadNamespace"

func validateNamespace(ns string) error {
	i := strings.IndexByte(ns, '.')
	if i <= 0 || i == len(ns)-1 {
		return errors.Newf(ErrBadNamespace, "invalid namespace %q", ns)
	}
	return nil
}
