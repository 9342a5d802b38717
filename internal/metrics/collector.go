package metrics

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/torosent/streamfire/internal/sample"
)

// Collector aggregates reported samples. It implements tracker.Sink and is
// safe for concurrent use.
type Collector struct {
	all *shardedStats

	mu     sync.Mutex
	labels map[string]*bucket
}

// Summary is the distribution of one timing of the recorded samples.
type Summary struct {
	Min  time.Duration `json:"-" yaml:"-"`
	Max  time.Duration `json:"-" yaml:"-"`
	Mean time.Duration `json:"-" yaml:"-"`
	P50  time.Duration `json:"-" yaml:"-"`
	P90  time.Duration `json:"-" yaml:"-"`
	P95  time.Duration `json:"-" yaml:"-"`
	P99  time.Duration `json:"-" yaml:"-"`

	// JSON-friendly millisecond fields.
	MinMs  float64 `json:"min_ms" yaml:"min_ms"`
	MaxMs  float64 `json:"max_ms" yaml:"max_ms"`
	MeanMs float64 `json:"mean_ms" yaml:"mean_ms"`
	P50Ms  float64 `json:"p50_ms" yaml:"p50_ms"`
	P90Ms  float64 `json:"p90_ms" yaml:"p90_ms"`
	P95Ms  float64 `json:"p95_ms" yaml:"p95_ms"`
	P99Ms  float64 `json:"p99_ms" yaml:"p99_ms"`
}

// LabelStats is the breakdown of one sample label.
type LabelStats struct {
	Total         int64   `json:"total" yaml:"total"`
	Successes     int64   `json:"successes" yaml:"successes"`
	Failures      int64   `json:"failures" yaml:"failures"`
	Elapsed       Summary `json:"elapsed" yaml:"elapsed"`
	SamplesPerSec float64 `json:"samples_per_sec" yaml:"samples_per_sec"`
}

// Stats represents aggregated metrics.
type Stats struct {
	Total         int64         `json:"total" yaml:"total"`
	Successes     int64         `json:"successes" yaml:"successes"`
	Failures      int64         `json:"failures" yaml:"failures"`
	BytesReceived int64         `json:"bytes_received" yaml:"bytes_received"`
	Duration      time.Duration `json:"-" yaml:"-"`
	DurationMs    float64       `json:"duration_ms" yaml:"duration_ms"`
	SamplesPerSec float64       `json:"samples_per_sec" yaml:"samples_per_sec"`

	// Elapsed runs from sample start to its terminal signal, Latency to the
	// first response byte and Connect to the subscription.
	Elapsed Summary `json:"elapsed" yaml:"elapsed"`
	Latency Summary `json:"latency" yaml:"latency"`
	Connect Summary `json:"connect" yaml:"connect"`

	Errors        map[string]int            `json:"errors,omitempty" yaml:"errors,omitempty"`
	StatusBuckets map[string]map[string]int `json:"status_buckets,omitempty" yaml:"status_buckets,omitempty"`
	Labels        map[string]LabelStats     `json:"labels,omitempty" yaml:"labels,omitempty"`
}

func NewCollector() *Collector {
	return &Collector{
		all:    newShardedStats(),
		labels: make(map[string]*bucket),
	}
}

// Record adds a terminated sample. Samples flagged invalid are ignored.
func (c *Collector) Record(res *sample.Result, valid bool) {
	if res == nil || !valid {
		return
	}
	o := observe(res)
	c.all.record(o)

	c.mu.Lock()
	b, ok := c.labels[res.Label]
	if !ok {
		b = newBucket()
		c.labels[res.Label] = b
	}
	b.record(o)
	c.mu.Unlock()
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	stats := c.all.snapshot(elapsed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.labels) > 0 {
		stats.Labels = make(map[string]LabelStats, len(c.labels))
		for label, b := range c.labels {
			stats.Labels[label] = b.labelStats(elapsed)
		}
	}
	return stats
}

// observation is what a bucket keeps of a sample.
type observation struct {
	elapsed  time.Duration
	latency  time.Duration
	connect  time.Duration
	bytes    int
	failed   bool
	errType  string
	protocol string
	code     string
}

func observe(res *sample.Result) observation {
	o := observation{
		elapsed: res.Elapsed(),
		latency: res.Latency(),
		connect: res.ConnectTime(),
		bytes:   res.Bytes(),
		failed:  !res.Successful(),
	}
	if d := res.ErrorDetail(); d != nil {
		o.errType = FriendlyErrorName(d.Type)
		o.protocol = d.Protocol
		o.code = d.Code
	}
	return o
}

type bucket struct {
	elapsed *hdrhistogram.Histogram
	latency *hdrhistogram.Histogram
	connect *hdrhistogram.Histogram

	successes  int64
	failures   int64
	bytes      int64
	minElapsed time.Duration
	maxElapsed time.Duration
	sumElapsed time.Duration

	errorsByType  map[string]int
	statusBuckets map[string]map[string]int
}

func newHistogram() *hdrhistogram.Histogram {
	// Track from 1µs up to 60s with 3 significant figures.
	return hdrhistogram.New(1, 60_000_000, 3)
}

func newBucket() *bucket {
	return &bucket{
		elapsed:       newHistogram(),
		latency:       newHistogram(),
		connect:       newHistogram(),
		errorsByType:  make(map[string]int),
		statusBuckets: make(map[string]map[string]int),
	}
}

func recordValue(h *hdrhistogram.Histogram, d time.Duration) {
	if d <= 0 {
		return
	}
	us := max(d.Microseconds(), h.LowestTrackableValue())
	us = min(us, h.HighestTrackableValue())
	_ = h.RecordValue(us)
}

func (b *bucket) record(o observation) {
	recordValue(b.elapsed, o.elapsed)
	recordValue(b.latency, o.latency)
	recordValue(b.connect, o.connect)

	b.sumElapsed += o.elapsed
	if b.successes+b.failures == 0 || o.elapsed < b.minElapsed {
		b.minElapsed = o.elapsed
	}
	if o.elapsed > b.maxElapsed {
		b.maxElapsed = o.elapsed
	}
	b.bytes += int64(o.bytes)

	if !o.failed {
		b.successes++
		return
	}
	b.failures++
	if o.errType != "" {
		b.errorsByType[o.errType]++
	}
	if o.code != "" {
		codes, ok := b.statusBuckets[o.protocol]
		if !ok {
			codes = make(map[string]int)
			b.statusBuckets[o.protocol] = codes
		}
		codes[o.code]++
	}
}

func (b *bucket) merge(other *bucket) {
	b.elapsed.Merge(other.elapsed)
	b.latency.Merge(other.latency)
	b.connect.Merge(other.connect)

	if total := other.successes + other.failures; total > 0 {
		if b.successes+b.failures == 0 || other.minElapsed < b.minElapsed {
			b.minElapsed = other.minElapsed
		}
		b.maxElapsed = max(b.maxElapsed, other.maxElapsed)
	}
	b.successes += other.successes
	b.failures += other.failures
	b.bytes += other.bytes
	b.sumElapsed += other.sumElapsed

	for k, v := range other.errorsByType {
		b.errorsByType[k] += v
	}
	for protocol, codes := range other.statusBuckets {
		dst, ok := b.statusBuckets[protocol]
		if !ok {
			dst = make(map[string]int, len(codes))
			b.statusBuckets[protocol] = dst
		}
		for code, n := range codes {
			dst[code] += n
		}
	}
}

func summarize(h *hdrhistogram.Histogram) Summary {
	if h.TotalCount() == 0 {
		return Summary{}
	}
	s := Summary{
		Min:  time.Duration(h.Min()) * time.Microsecond,
		Max:  time.Duration(h.Max()) * time.Microsecond,
		Mean: time.Duration(h.Mean() * float64(time.Microsecond)),
		P50:  time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:  time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:  time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:  time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
	}
	s.fillMillis()
	return s
}

func (s *Summary) fillMillis() {
	s.MinMs = millis(s.Min)
	s.MaxMs = millis(s.Max)
	s.MeanMs = millis(s.Mean)
	s.P50Ms = millis(s.P50)
	s.P90Ms = millis(s.P90)
	s.P95Ms = millis(s.P95)
	s.P99Ms = millis(s.P99)
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 || n == 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

// elapsedSummary uses the exact min, max and mean and the histogram for
// percentiles.
func (b *bucket) elapsedSummary() Summary {
	s := summarize(b.elapsed)
	total := b.successes + b.failures
	if total == 0 {
		return s
	}
	s.Min = b.minElapsed
	s.Max = b.maxElapsed
	s.Mean = time.Duration(int64(b.sumElapsed) / total)
	s.fillMillis()
	return s
}

func (b *bucket) labelStats(elapsed time.Duration) LabelStats {
	total := b.successes + b.failures
	return LabelStats{
		Total:         total,
		Successes:     b.successes,
		Failures:      b.failures,
		Elapsed:       b.elapsedSummary(),
		SamplesPerSec: rate(total, elapsed),
	}
}

func (b *bucket) stats(elapsed time.Duration) Stats {
	total := b.successes + b.failures
	stats := Stats{
		Total:         total,
		Successes:     b.successes,
		Failures:      b.failures,
		BytesReceived: b.bytes,
		Duration:      elapsed,
		DurationMs:    millis(elapsed),
		SamplesPerSec: rate(total, elapsed),
		Elapsed:       b.elapsedSummary(),
		Latency:       summarize(b.latency),
		Connect:       summarize(b.connect),
	}
	if len(b.errorsByType) > 0 {
		stats.Errors = make(map[string]int, len(b.errorsByType))
		for k, v := range b.errorsByType {
			stats.Errors[k] = v
		}
	}
	if len(b.statusBuckets) > 0 {
		stats.StatusBuckets = make(map[string]map[string]int, len(b.statusBuckets))
		for protocol, codes := range b.statusBuckets {
			cp := make(map[string]int, len(codes))
			for code, n := range codes {
				cp[code] = n
			}
			stats.StatusBuckets[protocol] = cp
		}
	}
	return stats
}

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	bucket *bucket
}

// shardedStats spreads records over independently locked buckets so that
// concurrent sinks rarely contend.
type shardedStats struct {
	shards [shardCount]*shard
}

func newShardedStats() *shardedStats {
	s := &shardedStats{}
	for i := range s.shards {
		s.shards[i] = &shard{bucket: newBucket()}
	}
	return s
}

func (s *shardedStats) record(o observation) {
	sh := s.shards[rand.IntN(shardCount)]
	sh.mu.Lock()
	sh.bucket.record(o)
	sh.mu.Unlock()
}

func (s *shardedStats) snapshot(elapsed time.Duration) Stats {
	merged := newBucket()
	for _, sh := range s.shards {
		sh.mu.Lock()
		merged.merge(sh.bucket)
		sh.mu.Unlock()
	}
	return merged.stats(elapsed)
}
