// Package tracker counts samples that have started but not yet terminated,
// forwards terminated samples to a result sink, and lets shutdown wait a
// bounded time for the count to drain.
package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/sample"
)

// DrainInterval is the polling step of Drain.
const DrainInterval = 100 * time.Millisecond

// Sink receives terminated samples.
type Sink interface {
	Record(res *sample.Result, valid bool)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(res *sample.Result, valid bool)

func (f SinkFunc) Record(res *sample.Result, valid bool) { f(res, valid) }

// MultiSink fans a sample out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Record(res *sample.Result, valid bool) {
	for _, s := range m {
		if s != nil {
			s.Record(res, valid)
		}
	}
}

// Tracker is safe for use from any goroutine.
type Tracker struct {
	outstanding atomic.Int64
	dropped     atomic.Int64
	sink        Sink
	log         *zap.Logger
	interval    time.Duration

	quit      chan struct{}
	closeOnce sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithDrainInterval overrides DrainInterval.
func WithDrainInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// New returns a tracker forwarding to sink. A nil sink drops results.
func New(sink Sink, opts ...Option) *Tracker {
	t := &Tracker{sink: sink, log: zap.NewNop(), interval: DrainInterval, quit: make(chan struct{})}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SampleStarted counts one more sample in flight.
func (t *Tracker) SampleStarted() {
	t.outstanding.Add(1)
}

// Observe waits, without blocking the caller, for res to terminate. Failed
// samples are forwarded only when valid; successful ones always are. The
// counter is decremented exactly once, after forwarding. After Close the
// watch ends and res stays outstanding.
func (t *Tracker) Observe(res *sample.Result) {
	go func() {
		select {
		case <-res.Done():
		case <-t.quit:
			return
		}
		select {
		case <-t.quit:
			return
		default:
		}
		t.forward(res)
		t.done()
	}()
}

// Close stops watching samples that have not terminated, typically the
// cancelled ones left after Drain. Later terminations are not forwarded.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
}

// Track is SampleStarted followed by Observe.
func (t *Tracker) Track(res *sample.Result) {
	t.SampleStarted()
	t.Observe(res)
}

// Dropped returns the number of invalid failed samples that terminated
// without being forwarded.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

// Outstanding returns the number of samples in flight.
func (t *Tracker) Outstanding() int64 {
	return t.outstanding.Load()
}

// Drain waits until no sample is in flight, maxWait has elapsed or ctx
// ends, whichever comes first, and returns the samples still in flight.
// A non-positive maxWait returns immediately.
func (t *Tracker) Drain(ctx context.Context, maxWait time.Duration) int64 {
	remaining := t.Outstanding()
	if remaining == 0 || maxWait <= 0 {
		return remaining
	}

	deadline := time.Now().Add(maxWait)
	for remaining > 0 {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			remaining = t.Outstanding()
			t.log.Warn("drain interrupted", zap.Int64("outstanding", remaining), zap.Error(ctx.Err()))
			return remaining
		case <-time.After(min(t.interval, left)):
		}
		remaining = t.Outstanding()
	}

	if remaining > 0 {
		t.log.Warn("drain timed out", zap.Int64("outstanding", remaining), zap.Duration("max_wait", maxWait))
	}
	return remaining
}

func (t *Tracker) forward(res *sample.Result) {
	switch {
	case res.Successful():
	case res.Valid():
		t.log.Debug("sample failed", zap.String("sample", res.ID.String()), zap.Error(res.Err()))
	default:
		t.dropped.Add(1)
		t.log.Debug("dropping invalid sample", zap.String("sample", res.ID.String()), zap.Error(res.Err()))
		return
	}
	if t.sink != nil {
		t.sink.Record(res, true)
	}
}

func (t *Tracker) done() {
	for {
		cur := t.outstanding.Load()
		if cur <= 0 {
			t.log.Error("outstanding counter underflow")
			return
		}
		if t.outstanding.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
