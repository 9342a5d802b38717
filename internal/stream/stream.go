// Package stream defines the asynchronous response stream contract used by
// every transport and by the sample instrumentation.
//
// A [Publisher] emits zero or more [Payload] items to a single [Subscriber]
// and then terminates with OnComplete or OnError. Signals for one
// subscription are delivered sequentially, never concurrently. Demand is
// signalled through [Subscription.Request]; cancelling a subscription stops
// further signals, including the terminal one.
package stream

import (
	"context"
	"errors"
	"math"
)

// Unbounded is the demand value meaning "send everything".
const Unbounded int64 = math.MaxInt64

// ErrCancelled is returned by a [Sink] once its subscription was cancelled.
var ErrCancelled = errors.New("stream: subscription cancelled")

// Payload is one data item of a response stream.
type Payload struct {
	Data     []byte
	Metadata []byte

	release func()
}

// NewPayload builds a payload without a release hook.
func NewPayload(data, metadata []byte) Payload {
	return Payload{Data: data, Metadata: metadata}
}

// WithRelease returns a copy of p that runs fn when released. Transports use
// it to hand pooled read buffers back once the consumer copied the bytes.
func (p Payload) WithRelease(fn func()) Payload {
	p.release = fn
	return p
}

// Release frees transport-owned resources. Data must not be used afterwards.
func (p Payload) Release() {
	if p.release != nil {
		p.release()
	}
}

// Subscription is the flow-control handle a publisher gives its subscriber.
type Subscription interface {
	Request(n int64)
	Cancel()
}

// Subscriber receives the signals of one subscription.
type Subscriber interface {
	OnSubscribe(s Subscription)
	OnNext(p Payload)
	OnError(err error)
	OnComplete()
}

// Publisher is a cold source of payloads. Each Subscribe starts an
// independent subscription.
type Publisher interface {
	Subscribe(ctx context.Context, s Subscriber)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, s Subscriber)

func (f PublisherFunc) Subscribe(ctx context.Context, s Subscriber) {
	f(ctx, s)
}
