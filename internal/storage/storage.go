package storage

import (
	"context"
	"sync"
)

// Storage is a string key-value store shared by every tab of a namespace.
// A missing key is reported as found=false, not as an error.
type Storage interface {
	GetItem(ctx context.Context, key string) (value string, found bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// DefaultNamespace prefixes every persisted key
const DefaultNamespace = "consent-analytics"

// Keys is the persisted state layout for one namespace
type Keys struct {
	Queue       string
	Consent     string
	History     string
	ActiveTabs  string
	AnonymousID string
}

// NewKeys derives the key layout from a namespace
func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Keys{
		Queue:       namespace + ":queue",
		Consent:     namespace + ":consent",
		History:     namespace + ":consent-history",
		ActiveTabs:  namespace + ":active-tabs",
		AnonymousID: namespace + ":anonymous-id",
	}
}

// MemoryStorage keeps items in a map; it is safe for concurrent use
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
