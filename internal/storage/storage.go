package storage

import (
	"context"
	"sync"
)

// Store is a small key-value store used to persist the registry snapshot and
// user settings across restarts.
type Store interface {
	// Get returns the values present for keys. Missing keys are absent from
	// the result, not an error.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes every entry of items in one operation.
	Set(ctx context.Context, items map[string][]byte) error
	Close() error
}

// ensure Memory implements Store
var _ Store = (*Memory)(nil)

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.items[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, items map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.items == nil {
		m.items = make(map[string][]byte, len(items))
	}
	for k, v := range items {
		m.items[k] = append([]byte(nil), v...)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
