// Package state holds keyed, observable snapshots shared between the job
// owners that write them and any number of readers.
package state

import (
	"sync"
)

// Listener is called after a key changes. deleted is set when the key was removed.
type Listener[K comparable, V any] func(key K, value V, deleted bool)

// Hub is a single-writer map with change broadcast. Every write goes through
// the hub lock; readers get copies.
type Hub[K comparable, V any] struct {
	mu        sync.Mutex
	values    map[K]V
	changed   chan struct{}
	listeners []Listener[K, V]
}

func NewHub[K comparable, V any]() *Hub[K, V] {
	return &Hub[K, V]{
		values:  make(map[K]V),
		changed: make(chan struct{}),
	}
}

func (h *Hub[K, V]) Get(key K) (V, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[key]
	return v, ok
}

// Snapshot returns a copy of every key
func (h *Hub[K, V]) Snapshot() map[K]V {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[K]V, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// Changed returns a channel closed on the next write
func (h *Hub[K, V]) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// OnChange registers a listener. Listeners run synchronously after the write
// and must not call back into the hub.
func (h *Hub[K, V]) OnChange(l Listener[K, V]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Hub[K, V]) Set(key K, value V) {
	h.Update(key, func(V, bool) (V, bool) { return value, true })
}

func (h *Hub[K, V]) Delete(key K) {
	h.Update(key, func(v V, _ bool) (V, bool) { return v, false })
}

// Update applies fn to the current value atomically. Returning keep=false
// removes the key.
func (h *Hub[K, V]) Update(key K, fn func(cur V, ok bool) (next V, keep bool)) {
	h.mu.Lock()
	cur, ok := h.values[key]
	next, keep := fn(cur, ok)
	if !keep && !ok {
		h.mu.Unlock()
		return
	}
	if keep {
		h.values[key] = next
	} else {
		delete(h.values, key)
	}
	listeners := h.notifyLocked()
	h.mu.Unlock()

	for _, l := range listeners {
		l(key, next, !keep)
	}
}

// DeleteFunc removes every key matching pred
func (h *Hub[K, V]) DeleteFunc(pred func(K) bool) {
	h.mu.Lock()
	var removed []K
	for k := range h.values {
		if pred(k) {
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		h.mu.Unlock()
		return
	}
	old := make([]V, len(removed))
	for i, k := range removed {
		old[i] = h.values[k]
		delete(h.values, k)
	}
	listeners := h.notifyLocked()
	h.mu.Unlock()

	for i, k := range removed {
		for _, l := range listeners {
			l(k, old[i], true)
		}
	}
}

func (h *Hub[K, V]) notifyLocked() []Listener[K, V] {
	close(h.changed)
	h.changed = make(chan struct{})
	return append([]Listener[K, V](nil), h.listeners...)
}
