package stream

import (
	"context"
	"sync"
)

// Completion is a one-shot terminal signal: it resolves exactly once, with a
// nil error on success or the failure otherwise.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion returns an unresolved completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns a completion already resolved with err.
func Completed(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Resolve settles the completion. Only the first call has an effect; it
// reports whether this call was the one that settled it.
func (c *Completion) Resolve(err error) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the completion is settled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether Resolve has been called.
func (c *Completion) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the settled error. It is nil until the completion settles.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion settles or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	if c.Settled() {
		return c.err
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
