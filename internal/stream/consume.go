package stream

import (
	"context"
	"sync"
)

// Consume subscribes to pub with unbounded demand and returns a completion
// that settles with the stream's terminal signal. When ctx ends first, the
// subscription is cancelled and the completion settles with ctx.Err().
// onNext may be nil, in which case items are released and dropped.
func Consume(ctx context.Context, pub Publisher, onNext func(Payload)) *Completion {
	c := &consumer{onNext: onNext, done: NewCompletion()}
	c.stop = context.AfterFunc(ctx, func() {
		if c.done.Resolve(ctx.Err()) {
			c.cancel()
		}
	})
	pub.Subscribe(ctx, c)
	return c.done
}

type consumer struct {
	onNext func(Payload)
	done   *Completion
	stop   func() bool

	mu        sync.Mutex
	sub       Subscription
	cancelled bool
}

func (c *consumer) OnSubscribe(s Subscription) {
	c.mu.Lock()
	c.sub = s
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		s.Cancel()
		return
	}
	s.Request(Unbounded)
}

func (c *consumer) OnNext(p Payload) {
	if c.onNext == nil {
		p.Release()
		return
	}
	c.onNext(p)
}

func (c *consumer) OnError(err error) {
	c.stop()
	c.done.Resolve(err)
}

func (c *consumer) OnComplete() {
	c.stop()
	c.done.Resolve(nil)
}

func (c *consumer) cancel() {
	c.mu.Lock()
	c.cancelled = true
	s := c.sub
	c.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}
