// Package sample holds the timed record of one measured asynchronous
// operation.
//
// A Result is written by a single instrumented stream at a time and read by
// sinks only after Done is closed, or by its sampler once the stream is
// sealed; it carries no locks of its own.
package sample

import (
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/streamfire/internal/stream"
)

// Result is the timed record of one sample.
type Result struct {
	ID        ulid.ULID
	Label     string
	Thread    int
	Iteration int64

	now func() time.Time

	startedAt   time.Time
	connectedAt time.Time
	firstByteAt time.Time
	endedAt     time.Time

	data       []byte
	successful bool
	errDetail  *ErrorDetail

	valid atomic.Bool
	done  *stream.Completion
}

// Option configures a Result.
type Option func(*Result)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Result) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an unstarted result for the given thread iteration.
func New(label string, thread int, iteration int64, opts ...Option) *Result {
	r := &Result{
		ID:        ulid.Make(),
		Label:     label,
		Thread:    thread,
		Iteration: iteration,
		now:       time.Now,
		done:      stream.NewCompletion(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MarkStarted records the start of measured work. Later calls are ignored.
func (r *Result) MarkStarted() {
	if r.startedAt.IsZero() {
		r.startedAt = r.now()
	}
}

// MarkConnected records the subscription acknowledgement.
func (r *Result) MarkConnected() {
	if !r.connectedAt.IsZero() {
		return
	}
	r.MarkStarted()
	r.connectedAt = r.now()
}

// Append records one data item. The first call also stamps first byte.
func (r *Result) Append(b []byte) {
	if r.firstByteAt.IsZero() {
		r.MarkStarted()
		r.firstByteAt = r.now()
	}
	r.data = append(r.data, b...)
}

// Succeed terminates the result successfully.
func (r *Result) Succeed() bool {
	return r.finish(true, nil)
}

// Fail terminates the result with err.
func (r *Result) Fail(err error) bool {
	return r.finish(false, err)
}

// Abandon fails a sample that never reached its measured work and marks it
// invalid so that sinks never see it.
func (r *Result) Abandon(err error) bool {
	r.valid.Store(false)
	return r.finish(false, err)
}

func (r *Result) finish(ok bool, err error) bool {
	if r.done.Settled() {
		return false
	}
	r.MarkStarted()
	r.endedAt = r.now()
	r.successful = ok
	if !ok {
		r.errDetail = NewErrorDetail(err)
	}
	return r.done.Resolve(r.Err())
}

// SetValid marks whether the sample should be reported on error.
func (r *Result) SetValid(v bool) { r.valid.Store(v) }

// Valid reports whether the sample should be reported on error.
func (r *Result) Valid() bool { return r.valid.Load() }

// Done is closed once the result has terminated.
func (r *Result) Done() <-chan struct{} { return r.done.Done() }

// Completion exposes the terminal signal.
func (r *Result) Completion() *stream.Completion { return r.done }

// Terminated reports whether the result has terminated.
func (r *Result) Terminated() bool { return r.done.Settled() }

func (r *Result) Successful() bool          { return r.successful }
func (r *Result) ErrorDetail() *ErrorDetail { return r.errDetail }
func (r *Result) Data() []byte              { return r.data }
func (r *Result) Bytes() int                { return len(r.data) }
func (r *Result) StartedAt() time.Time      { return r.startedAt }
func (r *Result) ConnectedAt() time.Time    { return r.connectedAt }
func (r *Result) FirstByteAt() time.Time    { return r.firstByteAt }
func (r *Result) EndedAt() time.Time        { return r.endedAt }

// Err returns the terminal error, nil for successful or unterminated results.
func (r *Result) Err() error {
	if r.errDetail == nil {
		return nil
	}
	return r.errDetail
}

// Latency is the time from start to the first data item, zero without data.
func (r *Result) Latency() time.Duration { return since(r.startedAt, r.firstByteAt) }

// ConnectTime is the time from start to the subscription acknowledgement.
func (r *Result) ConnectTime() time.Duration { return since(r.startedAt, r.connectedAt) }

// Elapsed is the time from start to termination.
func (r *Result) Elapsed() time.Duration { return since(r.startedAt, r.endedAt) }

func since(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}
