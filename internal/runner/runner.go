package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/stream"
)

// Result captures execution summary.
type Result struct {
	Issued int64
	// Errors counts issued samples already known to have failed when Run
	// returned. Samples still in flight are not included.
	Errors int64
	// Skipped counts issue slots dropped because the thread had MaxQueued
	// unsettled samples while pacing was on.
	Skipped  int64
	Duration time.Duration
}

// Runner drives logical threads that issue samples with pacing.
type Runner struct {
	opt     Options
	arrival arrivalController
}

func New(opt Options) *Runner {
	opt.normalize()
	return &Runner{opt: opt, arrival: newArrivalController(opt)}
}

// Run issues samples until the iteration cap, the duration or ctx ends it,
// and returns once every thread stopped issuing. It does not wait for
// samples in flight.
func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	var issued, errs, skipped atomic.Int64

	// Iterations still queued behind their thread's previous sample when Run
	// returns must keep their turn, so samples get a context that only the
	// caller or the duration ends.
	issueCtx := ctx
	if r.opt.Duration > 0 {
		var stop context.CancelFunc
		issueCtx, stop = context.WithDeadline(ctx, start.Add(r.opt.Duration))
		context.AfterFunc(issueCtx, stop)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.opt.Duration > 0 {
		deadlineCtx, deadlineCancel := context.WithTimeout(ctx, r.opt.Duration)
		ctx = deadlineCtx
		defer deadlineCancel()
	}

	var limit int64
	if r.opt.Iterations > 0 {
		limit = r.opt.Iterations * int64(r.opt.Threads)
	}
	permits := make(chan struct{}, r.opt.Threads)

	// Scheduler: serializes rate limiting to avoid burst overshoot across threads.
	go func() {
		defer close(permits)
		var granted int64
		for {
			if ctx.Err() != nil {
				return
			}
			if limit > 0 && granted >= limit {
				return
			}
			if err := r.arrival.Wait(ctx); err != nil {
				return
			}
			granted++
			select {
			case permits <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(r.opt.Threads)
	for thread := 1; thread <= r.opt.Threads; thread++ {
		go func() {
			defer wg.Done()
			t := threadState{runner: r, thread: thread, issueCtx: issueCtx, issued: &issued, errs: &errs, skipped: &skipped}
			t.run(ctx, permits)
		}()
	}
	wg.Wait()

	return Result{
		Issued:   issued.Load(),
		Errors:   errs.Load(),
		Skipped:  skipped.Load(),
		Duration: time.Since(start),
	}
}

type queued struct {
	res     *sample.Result
	settled *stream.Completion
}

type threadState struct {
	runner    *Runner
	thread    int
	iteration int64
	queue     []queued
	issueCtx  context.Context

	issued, errs, skipped *atomic.Int64
}

func (t *threadState) run(ctx context.Context, permits <-chan struct{}) {
	opt := t.runner.opt
	log := opt.Logger.With(zap.Int("thread", t.thread))
	log.Debug("thread started")
	defer func() {
		t.prune()
		opt.Issuer.Forget(t.thread)
		log.Debug("thread stopped", zap.Int64("iterations", t.iteration))
	}()

	for range permits {
		if ctx.Err() != nil {
			return
		}
		if !t.makeRoom(ctx, opt.RatePerSecond > 0) {
			if ctx.Err() != nil {
				return
			}
			t.skipped.Add(1)
			continue
		}

		t.iteration++
		res, settled := opt.Issuer.Issue(t.issueCtx, t.thread, t.iteration)
		t.issued.Add(1)
		t.queue = append(t.queue, queued{res: res, settled: settled})

		if opt.Iterations > 0 && t.iteration >= opt.Iterations {
			return
		}
	}
}

// makeRoom keeps at most MaxQueued-1 unsettled samples so that one more can
// be issued. With pacing on it never waits and reports false instead.
func (t *threadState) makeRoom(ctx context.Context, paced bool) bool {
	t.prune()
	for len(t.queue) >= t.runner.opt.MaxQueued {
		if paced {
			return false
		}
		select {
		case <-t.queue[0].settled.Done():
		case <-ctx.Done():
			return false
		}
		t.prune()
	}
	return true
}

// prune drops settled samples, counting the valid failed ones.
func (t *threadState) prune() {
	kept := t.queue[:0]
	for _, q := range t.queue {
		if !q.settled.Settled() {
			kept = append(kept, q)
			continue
		}
		if q.res.Terminated() && !q.res.Successful() && q.res.Valid() {
			t.errs.Add(1)
		}
	}
	clear(t.queue[len(kept):])
	t.queue = kept
}
