package runner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/stream"
)

// ArrivalModel selects how issue times are spaced when a rate is set.
type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

// Issuer issues samples without waiting for them. Issue returns the sample
// and a completion that settles once the sample's turn in its thread is
// over, whether it terminated or not.
type Issuer interface {
	Issue(ctx context.Context, thread int, iteration int64) (*sample.Result, *stream.Completion)
	Forget(thread int)
}

// Options configure the Runner.
type Options struct {
	Threads        int                         // number of logical threads
	Iterations     int64                       // samples per thread (0 means unlimited until duration/end)
	Duration       time.Duration               // overall time limit (0 means no duration cap)
	RatePerSecond  int                         // samples per second across threads (0 means unlimited)
	ArrivalModel   ArrivalModel                // spacing of samples when RatePerSecond is set
	MaxQueued      int                         // unsettled samples per thread before it holds back
	Issuer         Issuer                      // sample issuer (required)
	Logger         *zap.Logger                 // optional
	RandomSeed     int64                       // seed of the Poisson sampler
	PoissonSampler func() float64              // optional injection for tests
	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.Iterations < 0 {
		o.Iterations = 0
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.MaxQueued <= 0 {
		o.MaxQueued = 1
	}
	if o.ArrivalModel == "" {
		o.ArrivalModel = ArrivalModelUniform
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst equal to rps to smooth pacing under concurrency.
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}
