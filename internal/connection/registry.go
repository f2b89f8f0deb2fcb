package connection

import (
	"sort"
	"sync"
)

// Registry maps routing keys to running values, holding at most one value
// per key. It is the only structure shared between the Manager and callers
// inspecting connections.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]T
	discard func(T)
}

// NewRegistry creates a registry. discard is called on values created by a
// GetOrCreate call that lost a race for the same key.
func NewRegistry[T any](discard func(T)) *Registry[T] {
	return &Registry[T]{
		entries: make(map[string]T),
		discard: discard,
	}
}

// GetOrCreate returns the value for key, creating it with factory when
// absent. The factory runs outside the lock; if another caller registered
// the key first, the freshly created value is discarded and the winner is
// returned. created reports whether this call's value was registered.
func (r *Registry[T]) GetOrCreate(key string, factory func() T) (v T, created bool) {
	if v, ok := r.Lookup(key); ok {
		return v, false
	}

	fresh := factory()

	r.mu.Lock()
	if existing, ok := r.entries[key]; ok {
		r.mu.Unlock()
		if r.discard != nil {
			r.discard(fresh)
		}
		return existing, false
	}
	r.entries[key] = fresh
	r.mu.Unlock()

	return fresh, true
}

// Lookup returns the value for key.
func (r *Registry[T]) Lookup(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	return v, ok
}

// Remove unregisters key and returns its value.
func (r *Registry[T]) Remove(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return v, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns every registered value, ordered by key.
func (r *Registry[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = r.entries[k]
	}
	return out
}

// Len returns the number of registered keys.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
