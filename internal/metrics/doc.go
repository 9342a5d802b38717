// Package metrics aggregates reported samples into summary statistics.
//
// A [Collector] is the result sink of a run: the tracker hands it every
// terminated sample it decides to report, together with the sample's
// validity flag.
//
//	collector := metrics.NewCollector()
//	t := tracker.New(collector)
//	// ... run ...
//	stats := collector.Stats(elapsed)
//
// # Statistics
//
// [Stats] summarizes three timings of each valid sample with HDR histograms:
//   - Elapsed, from start to the terminal signal
//   - Latency, from start to the first response item
//   - Connect, from start to the subscription acknowledgement
//
// Failures are grouped by a friendly error type name ([FriendlyErrorName])
// and, when the transport reported one, by protocol status code. Each sample
// label gets its own breakdown in [Stats.Labels].
//
// The tracker never forwards invalid failures; a sample handed over with
// valid set to false is ignored.
//
// # Thread Safety
//
// Records are spread over independently locked shards so that concurrent
// samples rarely contend. Stats merges the shards on each call.
package metrics
