package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Sink is handed to the function passed to [Create]. It is owned by the
// emitting goroutine and must not be used concurrently.
type Sink interface {
	// Next delivers p downstream, waiting for demand. It returns
	// ErrCancelled (and releases p) once the subscription is cancelled.
	Next(p Payload) error
}

// Create builds a publisher whose items are produced by fn on a dedicated
// goroutine. Returning nil completes the stream, returning an error fails it.
// If the subscription is cancelled, either through Cancel or through the
// Subscribe context, no terminal signal is delivered.
func Create(fn func(ctx context.Context, sink Sink) error) Publisher {
	return PublisherFunc(func(ctx context.Context, s Subscriber) {
		runCtx, cancel := context.WithCancel(ctx)
		e := &emitter{
			actual:    s,
			wake:      make(chan struct{}, 1),
			cancelled: make(chan struct{}),
			stop:      cancel,
		}
		s.OnSubscribe(e)

		go func() {
			defer cancel()
			err := e.run(runCtx, fn)
			if e.isCancelled() || runCtx.Err() != nil {
				e.Cancel()
				return
			}
			if err != nil {
				s.OnError(err)
				return
			}
			s.OnComplete()
		}()
	})
}

// Just emits the given payloads in order, then completes.
func Just(payloads ...Payload) Publisher {
	return Create(func(_ context.Context, sink Sink) error {
		for _, p := range payloads {
			if err := sink.Next(p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Empty completes without emitting anything.
func Empty() Publisher {
	return Create(func(context.Context, Sink) error { return nil })
}

// Error fails immediately with err.
func Error(err error) Publisher {
	return Create(func(context.Context, Sink) error { return err })
}

type emitter struct {
	actual    Subscriber
	requested atomic.Int64
	wake      chan struct{}

	cancelOnce sync.Once
	cancelled  chan struct{}
	stop       context.CancelFunc
}

func (e *emitter) run(ctx context.Context, fn func(context.Context, Sink) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream: source panicked: %v", r)
		}
	}()
	return fn(ctx, e)
}

func (e *emitter) Request(n int64) {
	if n <= 0 {
		return
	}
	for {
		cur := e.requested.Load()
		if cur == Unbounded {
			return
		}
		next := Unbounded
		if n < Unbounded-cur {
			next = cur + n
		}
		if e.requested.CompareAndSwap(cur, next) {
			break
		}
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) Cancel() {
	e.cancelOnce.Do(func() {
		close(e.cancelled)
		e.stop()
	})
}

func (e *emitter) isCancelled() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

func (e *emitter) Next(p Payload) error {
	for {
		if e.isCancelled() {
			p.Release()
			return ErrCancelled
		}
		cur := e.requested.Load()
		if cur > 0 {
			if cur != Unbounded && !e.requested.CompareAndSwap(cur, cur-1) {
				continue
			}
			e.actual.OnNext(p)
			return nil
		}
		select {
		case <-e.wake:
		case <-e.cancelled:
		}
	}
}
