package variables

import (
	"context"
	"sync"
)

// Registry owns one Store per logical thread.
type Registry struct {
	mu     sync.Mutex
	stores map[int]Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[int]Store)}
}

// ForThread returns the thread's store, creating it on first use.
func (r *Registry) ForThread(thread int) Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[thread]
	if !ok {
		s = NewStore()
		r.stores[thread] = s
	}
	return s
}

// Release drops the thread's store at thread teardown.
func (r *Registry) Release(thread int) {
	r.mu.Lock()
	delete(r.stores, thread)
	r.mu.Unlock()
}

// Attach returns ctx carrying the thread's store. A context that already
// carries a store is returned unchanged.
func (r *Registry) Attach(ctx context.Context, thread int) context.Context {
	if FromContext(ctx) != nil {
		return ctx
	}
	return NewContext(ctx, r.ForThread(thread))
}
