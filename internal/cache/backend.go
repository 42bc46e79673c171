package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Scope selects which storage a cache entry lives in.
type Scope int

const (
	// Durable entries survive process restarts.
	Durable Scope = iota
	// Session entries live only as long as the current session.
	Session
)

func (s Scope) String() string {
	switch s {
	case Durable:
		return "durable"
	case Session:
		return "session"
	default:
		return "unknown"
	}
}

// Backend stores raw envelopes under fully namespaced keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RawChange is a write made to a shared backend by another process.
// Old or New is nil when the key did not exist before or after.
type RawChange struct {
	Key string
	Old []byte
	New []byte
}

// Notifier is implemented by backends that can report foreign writes.
type Notifier interface {
	Subscribe(ctx context.Context, fn func(RawChange)) (func(), error)
}

// MemoryBackend keeps envelopes in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
