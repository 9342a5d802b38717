// Package pool keeps idle transport connections for reuse, keyed by target
// and handshake headers.
package pool

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Poolable represents any client that can be pooled and reused.
type Poolable interface {
	Close() error
}

// DialFunc establishes a new connection.
type DialFunc[T Poolable] func(ctx context.Context) (T, error)

// ConnectionPool manages a pool of reusable connections keyed by target+headers.
type ConnectionPool[T Poolable] struct {
	mu     sync.Mutex
	idle   map[string][]T
	size   int // max idle connections per key
	closed bool
}

// NewConnectionPool creates a new connection pool with the specified max size per key.
func NewConnectionPool[T Poolable](size int) *ConnectionPool[T] {
	if size <= 0 {
		size = 10 // default size
	}
	return &ConnectionPool[T]{
		idle: make(map[string][]T),
		size: size,
	}
}

// Get takes an idle connection for key or dials a new one. reused reports
// whether the connection came from the pool.
func (p *ConnectionPool[T]) Get(ctx context.Context, key string, dial DialFunc[T]) (client T, reused bool, err error) {
	p.mu.Lock()
	if conns := p.idle[key]; len(conns) > 0 {
		client = conns[len(conns)-1]
		p.idle[key] = conns[:len(conns)-1]
		p.mu.Unlock()
		return client, true, nil
	}
	p.mu.Unlock()

	client, err = dial(ctx)
	return client, false, err
}

// Put returns a connection to the pool for reuse.
// If the pool is full or closed, the connection is closed instead.
func (p *ConnectionPool[T]) Put(key string, client T) error {
	p.mu.Lock()
	if p.closed || len(p.idle[key]) >= p.size {
		p.mu.Unlock()
		return client.Close()
	}
	p.idle[key] = append(p.idle[key], client)
	p.mu.Unlock()
	return nil
}

// RetryStaleConnection closes a connection that failed on first use and
// dials a replacement.
func (p *ConnectionPool[T]) RetryStaleConnection(ctx context.Context, stale T, dial DialFunc[T]) (T, error) {
	_ = stale.Close()
	return dial(ctx)
}

// Idle returns the number of idle connections kept for key.
func (p *ConnectionPool[T]) Idle(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

// Close closes all idle connections. Connections put back afterwards are
// closed immediately.
func (p *ConnectionPool[T]) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]T)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conns := range idle {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// MakePoolKey generates a deterministic key from a target URL and headers.
func MakePoolKey(target string, headers http.Header) string {
	var sb strings.Builder
	sb.WriteString(target)
	sb.WriteString("|")

	// Sort keys for deterministic key generation
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(strings.Join(headers[k], ","))
		sb.WriteString(";")
	}
	return sb.String()
}
