// Package pubsub provides a keyed fan-out registry of callbacks.
package pubsub

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Handler receives published values.
type Handler[T any] func(T)

// Registry maps keys to independent lists of handlers. Publishing to a key
// calls every handler registered under it, in registration order.
type Registry[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[string]*entry[T]
	seq  uint64
}

type entry[T any] struct {
	id  string
	seq uint64
	fn  Handler[T]
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{subs: make(map[string]map[string]*entry[T])}
}

// Subscribe registers fn under key. The returned cancel func removes it and
// is safe to call more than once.
func (r *Registry[T]) Subscribe(key string, fn Handler[T]) (id string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := &entry[T]{id: uuid.NewString(), seq: r.seq, fn: fn}
	if r.subs[key] == nil {
		r.subs[key] = make(map[string]*entry[T])
	}
	r.subs[key][e.id] = e

	var once sync.Once
	return e.id, func() {
		once.Do(func() { r.remove(key, e.id) })
	}
}

func (r *Registry[T]) remove(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.subs[key]
	delete(m, id)
	if len(m) == 0 {
		delete(r.subs, key)
	}
}

// Publish calls every handler registered under key with v, synchronously,
// and returns how many were called. Handlers must not block.
func (r *Registry[T]) Publish(key string, v T) int {
	handlers := r.handlers(key)
	for _, fn := range handlers {
		fn(v)
	}
	return len(handlers)
}

// PublishMatching publishes v to every key accepted by match and returns the
// number of handlers called.
func (r *Registry[T]) PublishMatching(match func(key string) bool, v T) int {
	r.mu.RLock()
	var keys []string
	for k := range r.subs {
		if match(k) {
			keys = append(keys, k)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, k := range keys {
		n += r.Publish(k, v)
	}
	return n
}

// Len returns the number of handlers registered under key.
func (r *Registry[T]) Len(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}

func (r *Registry[T]) handlers(key string) []Handler[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.subs[key]
	entries := make([]*entry[T], 0, len(m))
	for _, e := range m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Handler[T], len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}
