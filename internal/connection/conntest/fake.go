// Package conntest provides an in-memory connection.Connection for tests.
package conntest

import (
	"context"
	"sync"
	"time"

	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/stream"
)

// Call records one operation issued on a Fake.
type Call struct {
	Mode    connection.Mode
	Request connection.Request
	Channel [][]byte
	At      time.Time
}

// Fake answers every mode with Respond. Responses default to echoing the
// request data once (nothing for fire-and-forget and metadata push).
type Fake struct {
	// Respond builds the response publisher for a subscribed call.
	Respond func(ctx context.Context, call Call) stream.Publisher

	mu     sync.Mutex
	calls  []Call
	closed bool
}

func (f *Fake) FireAndForget(req connection.Request) stream.Publisher {
	return f.publisher(connection.FireAndForget, req, nil)
}

func (f *Fake) RequestResponse(req connection.Request) stream.Publisher {
	return f.publisher(connection.RequestResponse, req, nil)
}

func (f *Fake) RequestStream(req connection.Request) stream.Publisher {
	return f.publisher(connection.RequestStream, req, nil)
}

func (f *Fake) RequestChannel(req connection.Request, requests stream.Publisher) stream.Publisher {
	return f.publisher(connection.RequestChannel, req, requests)
}

func (f *Fake) MetadataPush(req connection.Request) stream.Publisher {
	return f.publisher(connection.MetadataPush, req, nil)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Metrics() connection.Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.Metrics{Protocol: "fake", MessagesSent: int64(len(f.calls))}
}

// Calls returns the calls recorded so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) publisher(mode connection.Mode, req connection.Request, requests stream.Publisher) stream.Publisher {
	return stream.PublisherFunc(func(ctx context.Context, s stream.Subscriber) {
		call := Call{Mode: mode, Request: req, At: time.Now()}
		if requests != nil {
			_ = stream.Consume(ctx, requests, func(p stream.Payload) {
				call.Channel = append(call.Channel, append([]byte(nil), p.Data...))
				p.Release()
			}).Wait(ctx)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		var pub stream.Publisher
		switch {
		case f.Respond != nil:
			pub = f.Respond(ctx, call)
		case mode == connection.FireAndForget || mode == connection.MetadataPush:
			pub = stream.Empty()
		default:
			pub = stream.Just(stream.NewPayload(req.Data, nil))
		}
		pub.Subscribe(ctx, s)
	})
}

// WithoutMetadataPush wraps a connection so that only the Connection
// methods are visible.
func WithoutMetadataPush(c connection.Connection) connection.Connection {
	return basic{c}
}

type basic struct {
	connection.Connection
}
