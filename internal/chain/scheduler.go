// Package chain orders the asynchronous iterations of each logical thread.
//
// Every thread owns one slot holding the completion of its most recent
// iteration. Scheduling iteration i+1 replaces the slot and starts a goroutine
// that waits for iteration i to settle before building the next operation;
// the caller never waits. Success and failure both count as settled.
package chain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/stream"
)

// Factory builds and starts the asynchronous operation of one iteration and
// returns its completion. It runs only after the previous iteration of the
// same thread has settled.
type Factory func(ctx context.Context) (*stream.Completion, error)

type slot struct {
	iteration int64
	done      *stream.Completion
}

// Scheduler sequences iterations per logical thread.
type Scheduler struct {
	mu    sync.Mutex
	slots map[int]slot
	log   *zap.Logger
}

// NewScheduler returns an empty scheduler. A nil logger disables logging.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{slots: make(map[int]slot), log: log}
}

// Schedule registers iteration on thread and returns a completion that
// settles once factory's operation settles. The factory is invoked only after
// the thread's previous iteration settled. If ctx is done by then, the factory
// is skipped and the returned completion settles with ctx.Err().
func (s *Scheduler) Schedule(ctx context.Context, thread int, iteration int64, factory Factory) *stream.Completion {
	next := stream.NewCompletion()

	s.mu.Lock()
	prev, ok := s.slots[thread]
	s.slots[thread] = slot{iteration: iteration, done: next}
	s.mu.Unlock()

	if ok && prev.iteration != iteration-1 {
		s.log.Debug("iteration chained out of sequence",
			zap.Int("thread", thread),
			zap.Int64("previous", prev.iteration),
			zap.Int64("iteration", iteration))
	}

	go func() {
		if ok {
			<-prev.done.Done()
		}
		if err := ctx.Err(); err != nil {
			next.Resolve(err)
			return
		}
		done, err := invoke(ctx, factory)
		if err != nil {
			next.Resolve(err)
			return
		}
		<-done.Done()
		next.Resolve(done.Err())
	}()

	return next
}

// Forget drops the slot of thread. Iterations already scheduled still run.
func (s *Scheduler) Forget(thread int) {
	s.mu.Lock()
	delete(s.slots, thread)
	s.mu.Unlock()
}

func invoke(ctx context.Context, factory Factory) (done *stream.Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chain: operation factory panicked: %v", r)
		}
	}()
	done, err = factory(ctx)
	if err == nil && done == nil {
		done = stream.Completed(nil)
	}
	return done, err
}
