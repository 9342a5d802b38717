// Package variables provides the shared key/value store of a logical thread
// and carries it through the context of every stage of that thread's chain.
package variables

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"sync"
)

// Store is a thread-safe variable store. Stages of the same logical thread
// may run on different goroutines and share one Store.
type Store interface {
	// Set stores a variable with the given key and value.
	Set(key string, value any)

	// Get retrieves a variable by key. Returns (value, true) if found,
	// or (nil, false) if the key is not present.
	Get(key string) (any, bool)

	// GetAll returns a copy of all stored variables.
	GetAll() map[string]any

	// Delete removes one variable.
	Delete(key string)

	// Clear removes all stored variables.
	Clear()
}

// MemoryStore is a map-based Store guarded by a read/write mutex.
type MemoryStore struct {
	mu        sync.RWMutex
	variables map[string]any
}

// NewStore creates and returns a new MemoryStore instance.
func NewStore() Store {
	return &MemoryStore{
		variables: make(map[string]any),
	}
}

func (m *MemoryStore) Set(key string, value any) {
	m.mu.Lock()
	m.variables[key] = value
	m.mu.Unlock()
}

func (m *MemoryStore) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.variables[key]
	return value, ok
}

func (m *MemoryStore) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.variables)
}

func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.variables, key)
	m.mu.Unlock()
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	m.variables = make(map[string]any)
	m.mu.Unlock()
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Expand replaces ${key} placeholders in s with the formatted value of the
// matching variable. Unknown placeholders are left as is.
func Expand(s Store, text string) string {
	if s == nil {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := s.Get(key)
		if !ok {
			return m
		}
		switch val := v.(type) {
		case string:
			return val
		case []byte:
			return string(val)
		default:
			return fmt.Sprint(val)
		}
	})
}

// Lookup fetches key from the store attached to ctx and asserts its type.
func Lookup[T any](ctx context.Context, key string) (T, bool) {
	var zero T
	s := FromContext(ctx)
	if s == nil {
		return zero, false
	}
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

type contextKey struct{}

var storeKey = contextKey{}

// FromContext retrieves the variable store from the context.
// Returns nil if not found.
func FromContext(ctx context.Context) Store {
	if ctx == nil {
		return nil
	}
	if s, ok := ctx.Value(storeKey).(Store); ok {
		return s
	}
	return nil
}

// NewContext returns a new context with the variable store attached.
func NewContext(ctx context.Context, store Store) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, storeKey, store)
}
