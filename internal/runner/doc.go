// Package runner drives the logical threads of a streamfire run.
//
// Each logical thread issues iterations through an [Issuer] and never waits
// for the network: issuing returns at once and the issuer orders the
// samples of a thread behind each other. The runner supports:
//   - A fixed number of logical threads
//   - Rate limiting (samples per second across threads)
//   - Duration-based and iteration-based termination
//   - Multiple arrival models (uniform, Poisson)
//   - A per-thread bound on unsettled samples
//
// # Basic Usage
//
//	opts := runner.Options{
//		Threads:       10,
//		Iterations:    100,
//		Duration:      time.Minute,
//		RatePerSecond: 100,
//		Issuer:        mySampler,
//	}
//	r := runner.New(opts)
//	result := r.Run(ctx)
//
// # Rate Limiting & Arrival Models
//
// The runner supports different arrival models for pacing:
//   - [ArrivalModelUniform]: Samples at fixed intervals
//   - [ArrivalModelPoisson]: Samples following a Poisson process for realistic traffic
//
// # Queue Bound
//
// A thread holds at most [Options.MaxQueued] unsettled samples. Without
// pacing it waits for the oldest to settle; with pacing it drops the slot
// and counts it in [Result.Skipped] so the arrival rate stays honest.
package runner
