// Package sampler issues measured samples against a connection.
//
// A Sampler ties the core together: each call to Sample creates a result,
// counts it as outstanding, and schedules its operation behind the previous
// iteration of the same logical thread. When its turn comes the operation
// gets the thread's variables, a span, and an instrumented response stream.
// Values extracted from a response are stored before the thread moves on.
package sampler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/auth"
	"github.com/torosent/streamfire/internal/chain"
	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/extractor"
	"github.com/torosent/streamfire/internal/feeder"
	"github.com/torosent/streamfire/internal/instrument"
	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/stream"
	"github.com/torosent/streamfire/internal/tracing"
	"github.com/torosent/streamfire/internal/tracker"
	"github.com/torosent/streamfire/internal/variables"
)

// Variables set on the thread store before each sample is built.
const (
	VarThread    = "thread"
	VarIteration = "iteration"
	VarSampleID  = "sample_id"
)

// ErrNotStarted settles samples whose operation was never built.
var ErrNotStarted = errors.New("sample was not started")

// Sampler builds and issues samples for one request description.
type Sampler struct {
	conn     connection.Connection
	mode     connection.Mode
	req      connection.Request
	channel  [][]byte
	label    string
	protocol string

	scheduler *chain.Scheduler
	tracker   *tracker.Tracker
	vars      *variables.Registry
	tracer    trace.Tracer
	timeout   time.Duration

	feeder     feeder.Feeder
	extractors []extractor.Extractor
	auth       auth.Provider
	log       *zap.Logger

	abort     context.Context
	cancelAll context.CancelFunc
	cancelled atomic.Int64
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithMode sets the interaction mode. The default is connection.DefaultMode.
func WithMode(m connection.Mode) Option {
	return func(s *Sampler) { s.mode = m }
}

// WithChannelMessages sets the request stream of channel interactions.
// Without it a channel sends the request data once.
func WithChannelMessages(msgs [][]byte) Option {
	return func(s *Sampler) { s.channel = msgs }
}

// WithLabel names the samples.
func WithLabel(label string) Option {
	return func(s *Sampler) { s.label = label }
}

// WithTracker sets the outstanding-work tracker samples are reported to.
func WithTracker(t *tracker.Tracker) Option {
	return func(s *Sampler) { s.tracker = t }
}

// WithVariables sets the per-thread variable registry.
func WithVariables(r *variables.Registry) Option {
	return func(s *Sampler) { s.vars = r }
}

// WithTracer sets the tracer for per-sample spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sampler) { s.tracer = t }
}

// WithResponseTimeout cancels samples still running after d. Zero disables it.
func WithResponseTimeout(d time.Duration) Option {
	return func(s *Sampler) { s.timeout = d }
}

// WithFeeder sets the data set whose next record is copied into the thread's
// variables before each sample is built.
func WithFeeder(f feeder.Feeder) Option {
	return func(s *Sampler) { s.feeder = f }
}

// WithExtractors sets the rules applied to each terminated sample's response.
// Extracted values are stored before the thread's next iteration starts.
func WithExtractors(ex []extractor.Extractor) Option {
	return func(s *Sampler) { s.extractors = ex }
}

// WithAuth sets the provider whose token is added to every request's
// metadata.
func WithAuth(p auth.Provider) Option {
	return func(s *Sampler) { s.auth = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) { s.log = l }
}

// New validates the mode against conn and returns a Sampler. An unsupported
// mode fails here, before any sample is issued.
func New(conn connection.Connection, req connection.Request, opts ...Option) (*Sampler, error) {
	s := &Sampler{
		conn: conn,
		mode: connection.DefaultMode,
		req:  req,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if conn == nil {
		return nil, errors.New("sampler: connection is required")
	}
	if !connection.Supports(conn, s.mode) {
		return nil, fmt.Errorf("%w: %s over %s", connection.ErrUnsupportedMode, s.mode, conn.Metrics().Protocol)
	}
	if s.tracker == nil {
		s.tracker = tracker.New(nil, tracker.WithLogger(s.log))
	}
	if s.vars == nil {
		s.vars = variables.NewRegistry()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
	}
	if s.label == "" {
		s.label = string(s.mode)
		if req.Route != "" {
			s.label += " " + req.Route
		}
	}
	s.protocol = conn.Metrics().Protocol
	s.scheduler = chain.NewScheduler(s.log)
	s.abort, s.cancelAll = context.WithCancel(context.Background())
	return s, nil
}

// Mode returns the interaction mode.
func (s *Sampler) Mode() connection.Mode { return s.mode }

// Tracker returns the tracker samples are reported to.
func (s *Sampler) Tracker() *tracker.Tracker { return s.tracker }

// Cancelled returns the number of samples cancelled mid-flight, by timeout
// or Close. Those samples never terminate.
func (s *Sampler) Cancelled() int64 { return s.cancelled.Load() }

// Sample issues iteration of thread and returns its result without waiting.
// The operation starts once the thread's previous sample settled. If ctx is
// done by then, the sample is abandoned unreported. Once started, a sample
// runs to completion even if ctx ends; only the response timeout and Close
// cancel it.
func (s *Sampler) Sample(ctx context.Context, thread int, iteration int64) *sample.Result {
	res, _ := s.Issue(ctx, thread, iteration)
	return res
}

// Issue is Sample that also returns the completion of the sample's turn in
// its thread. It settles when the sample terminates, is abandoned or is
// cancelled, so unlike the result it always settles.
func (s *Sampler) Issue(ctx context.Context, thread int, iteration int64) (*sample.Result, *stream.Completion) {
	res := sample.New(s.label, thread, iteration)
	s.tracker.Track(res)

	var started atomic.Bool
	done := s.scheduler.Schedule(ctx, thread, iteration, func(ctx context.Context) (*stream.Completion, error) {
		return s.run(ctx, res, &started)
	})
	go func() {
		<-done.Done()
		if !started.Load() {
			res.Abandon(cmp.Or(done.Err(), ErrNotStarted))
		}
	}()
	return res, done
}

// Forget drops the chain state of thread at thread teardown.
func (s *Sampler) Forget(thread int) {
	s.scheduler.Forget(thread)
	s.vars.Release(thread)
}

// Close cancels every sample in flight. Samples issued afterwards are
// cancelled as soon as they start.
func (s *Sampler) Close() error {
	s.cancelAll()
	return nil
}

func (s *Sampler) run(ctx context.Context, res *sample.Result, started *atomic.Bool) (*stream.Completion, error) {
	ctx = s.vars.Attach(ctx, res.Thread)
	store := variables.FromContext(ctx)
	store.Set(VarThread, res.Thread)
	store.Set(VarIteration, res.Iteration)
	store.Set(VarSampleID, res.ID.String())

	if s.feeder != nil {
		record, err := s.feeder.Next(ctx)
		if err != nil {
			s.log.Warn("data set read failed", zap.Int("thread", res.Thread), zap.Int64("iteration", res.Iteration), zap.Error(err))
			return nil, err
		}
		for k, v := range record {
			store.Set(k, v)
		}
	}

	req := s.expand(store)
	if s.auth != nil {
		if req.Metadata == nil {
			req.Metadata = make(map[string]string, 1)
		}
		if err := s.auth.Apply(ctx, req.Metadata); err != nil {
			s.log.Warn("authorization failed", zap.Int("thread", res.Thread), zap.Int64("iteration", res.Iteration), zap.Error(err))
			return nil, err
		}
	}
	var requests stream.Publisher
	if s.mode == connection.RequestChannel && len(s.channel) > 0 {
		payloads := make([]stream.Payload, len(s.channel))
		for i, msg := range s.channel {
			payloads[i] = stream.NewPayload([]byte(variables.Expand(store, string(msg))), nil)
		}
		requests = stream.Just(payloads...)
	}

	// The operation outlives the issuing context; it ends on its own, on
	// the response timeout, or on Close.
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAbort := context.AfterFunc(s.abort, cancel)
	if s.timeout > 0 {
		var cancelTimeout context.CancelFunc
		opCtx, cancelTimeout = context.WithTimeout(opCtx, s.timeout)
		prev := cancel
		cancel = func() { cancelTimeout(); prev() }
	}
	cleanup := func() {
		stopAbort()
		cancel()
	}

	opCtx, span := tracing.StartSampleSpan(opCtx, s.tracer, s.protocol, string(s.mode), req.Route, res)
	pub, err := connection.Open(s.conn, s.mode, req, requests)
	if err != nil {
		tracing.EndSpan(span, err)
		cleanup()
		return nil, err
	}

	res.SetValid(true)
	started.Store(true)
	log := s.log.With(zap.String("sample", res.ID.String()), zap.Int("thread", res.Thread), zap.Int64("iteration", res.Iteration))
	ins := instrument.Publisher(pub, res, instrument.WithLogger(s.log))
	done := stream.Consume(opCtx, ins, nil)

	// The thread's turn ends after extraction so the next iteration sees
	// the extracted variables.
	turn := stream.NewCompletion()
	go func() {
		<-done.Done()
		defer func() { turn.Resolve(done.Err()) }()
		defer cleanup()
		// A cancelled stream may still be delivering; once sealed, res is
		// no longer written.
		if !ins.Seal() {
			s.cancelled.Add(1)
			log.Debug("sample cancelled", zap.Error(done.Err()))
			tracing.EndSampleSpan(span, res, done.Err())
			return
		}
		if err := res.Err(); err != nil {
			log.Error("sample failed", zap.Error(err))
		}
		s.extract(store, res, log)
		tracing.EndSampleSpan(span, res, nil)
	}()
	return turn, nil
}

func (s *Sampler) extract(store variables.Store, res *sample.Result, log *zap.Logger) {
	if len(s.extractors) == 0 {
		return
	}
	rules := make([]extractor.Extractor, 0, len(s.extractors))
	for _, ex := range s.extractors {
		if ex.Applies(res.Successful()) {
			rules = append(rules, ex)
		}
	}
	for k, v := range extractor.ExtractAll(res.Data(), rules, log) {
		store.Set(k, v)
	}
}

func (s *Sampler) expand(store variables.Store) connection.Request {
	req := connection.Request{
		Route: variables.Expand(store, s.req.Route),
		Data:  []byte(variables.Expand(store, string(s.req.Data))),
	}
	if len(s.req.Metadata) > 0 {
		req.Metadata = make(map[string]string, len(s.req.Metadata))
		for k, v := range s.req.Metadata {
			req.Metadata[k] = variables.Expand(store, v)
		}
	}
	return req
}
