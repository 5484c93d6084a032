package store

import "sync"

// Store is the key/value seam behind the idempotency and rate limit state.
// Implementations must make every method atomic with respect to the others.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	// SetIfAbsent stores value only when key is not present and reports whether it did.
	SetIfAbsent(key string, value V) bool
	// Compute runs fn on the current value under the store's lock. When keep is
	// false the key is removed, otherwise next is stored.
	Compute(key string, fn func(current V, ok bool) (next V, keep bool)) (V, bool)
	Delete(key string)
	Range(fn func(key string, value V) bool)
	Len() int
}

// Memory is a single-process Store backed by a map.
type Memory[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

var _ Store[int] = (*Memory[int])(nil)

// NewMemory creates an empty in-memory store
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{
		items: make(map[string]V),
	}
}

func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	return v, ok
}

func (m *Memory[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = value
}

func (m *Memory[V]) SetIfAbsent(key string, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; exists {
		return false
	}
	m.items[key] = value
	return true
}

func (m *Memory[V]) Compute(key string, fn func(current V, ok bool) (V, bool)) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.items[key]
	next, keep := fn(current, ok)
	if !keep {
		delete(m.items, key)
		var zero V
		return zero, false
	}
	m.items[key] = next
	return next, true
}

func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
}

// Range iterates over a snapshot, so fn may call back into the store.
func (m *Memory[V]) Range(fn func(key string, value V) bool) {
	m.mu.RLock()
	snapshot := make(map[string]V, len(m.items))
	for k, v := range m.items {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.items)
}
