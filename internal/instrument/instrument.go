// Package instrument wraps a response stream so that its signals are
// recorded on a sample.Result while being forwarded unchanged.
//
// Two small pieces compose the wrapper: a recorder that observes upstream
// signals and writes timings and bytes to the result, and a pass-through
// subscription that hands downstream cancellation back upstream. Upstream
// demand is always unbounded from the moment of subscription.
//
// The recorder serializes its writes. Sealing it hands the result over to
// the caller even while a cancelled upstream is still delivering.
package instrument

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/stream"
)

// Option configures the instrumentation.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used for per-signal debug events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Publisher returns a publisher that subscribes to pub and records every
// signal on res before forwarding it. The wrapped publisher must be
// subscribed at most once since res records a single operation.
func Publisher(pub stream.Publisher, res *sample.Result, opts ...Option) *Stream {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Stream{
		upstream: pub,
		rec: &recorder{
			res: res,
			log: o.logger.With(zap.String("sample", res.ID.String()), zap.String("label", res.Label)),
		},
	}
}

// Stream is an instrumented publisher.
type Stream struct {
	upstream stream.Publisher
	rec      *recorder
}

func (s *Stream) Subscribe(ctx context.Context, downstream stream.Subscriber) {
	s.rec.start()
	s.upstream.Subscribe(ctx, &tap{rec: s.rec, downstream: downstream})
}

// Seal stops recording and reports whether the result terminated first.
// Signals arriving afterwards are forwarded but leave the result untouched,
// so a caller may read the result once Seal returns.
func (s *Stream) Seal() (terminated bool) {
	return s.rec.seal()
}

// recorder writes upstream signals to the result. Every write happens under
// mu and stops once the recorder is sealed.
type recorder struct {
	res *sample.Result
	log *zap.Logger

	mu     sync.Mutex
	sealed bool
}

func (r *recorder) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.res.MarkStarted()
	}
}

func (r *recorder) seal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return r.res.Terminated()
}

func (r *recorder) subscribed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.res.MarkConnected()
	r.log.Debug("subscription acknowledged")
}

// next copies p into the result and returns a payload backed by that copy.
// The original payload is released. A sealed recorder copies p on its own.
func (r *recorder) next(p stream.Payload) stream.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer p.Release()
	if r.sealed {
		return stream.NewPayload(bytes.Clone(p.Data), bytes.Clone(p.Metadata))
	}
	first := r.res.FirstByteAt().IsZero()
	start := r.res.Bytes()
	r.res.Append(p.Data)
	if first {
		r.log.Debug("first byte", zap.Duration("latency", r.res.Latency()))
	}
	data := r.res.Data()
	return stream.NewPayload(data[start:len(data):len(data)], bytes.Clone(p.Metadata))
}

func (r *recorder) failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.res.Fail(err)
	r.log.Debug("stream failed", zap.Error(err), zap.Duration("elapsed", r.res.Elapsed()))
}

func (r *recorder) completed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.res.Succeed()
	r.log.Debug("stream completed",
		zap.Int("bytes", r.res.Bytes()),
		zap.Duration("elapsed", r.res.Elapsed()))
}

// tap is the upstream subscriber: it lets the recorder observe each signal
// and then forwards it downstream.
type tap struct {
	rec        *recorder
	downstream stream.Subscriber
}

func (t *tap) OnSubscribe(s stream.Subscription) {
	pt := &passThrough{upstream: s}
	t.downstream.OnSubscribe(pt)
	t.rec.subscribed()
	if !pt.cancelled.Load() {
		s.Request(stream.Unbounded)
	}
}

func (t *tap) OnNext(p stream.Payload) {
	t.downstream.OnNext(t.rec.next(p))
}

func (t *tap) OnError(err error) {
	t.rec.failed(err)
	t.downstream.OnError(err)
}

func (t *tap) OnComplete() {
	t.rec.completed()
	t.downstream.OnComplete()
}

// passThrough is the subscription handed downstream. Demand is already
// unbounded upstream, so Request has nothing to forward.
type passThrough struct {
	upstream  stream.Subscription
	cancelled atomic.Bool
}

func (p *passThrough) Request(int64) {}

func (p *passThrough) Cancel() {
	if p.cancelled.CompareAndSwap(false, true) {
		p.upstream.Cancel()
	}
}
