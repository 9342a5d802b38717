package output

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/torosent/streamfire/internal/metrics"
)

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector   *metrics.Collector
	outstanding func() int64
	ticker      *time.Ticker
	done        chan struct{}
	finished    chan struct{}
	writer      io.Writer
	active      int32
	start       time.Time
}

// NewProgressReporter creates a progress reporter that updates at the given
// interval. outstanding, when set, reports the samples still in flight.
func NewProgressReporter(collector *metrics.Collector, outstanding func() int64, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector:   collector,
		outstanding: outstanding,
		ticker:      time.NewTicker(interval),
		done:        make(chan struct{}),
		finished:    make(chan struct{}),
		writer:      writer,
		start:       time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and ends the progress line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, p.line(time.Since(p.start)))
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line(elapsed time.Duration) string {
	stats := p.collector.Stats(elapsed)
	line := fmt.Sprintf("\rSamples: %d | Successes: %d | Failures: %d | Rate: %.1f/s",
		stats.Total, stats.Successes, stats.Failures, stats.SamplesPerSec)
	if p.outstanding != nil {
		line += fmt.Sprintf(" | In flight: %d", p.outstanding())
	}
	if name, l, ok := topLabel(stats); ok && len(stats.Labels) > 1 && stats.Total > 0 {
		share := (float64(l.Total) / float64(stats.Total)) * 100
		line += fmt.Sprintf(" | Top: %s (%.0f%%, P99 %.1fms)", name, share, l.Elapsed.P99Ms)
	} else if stats.Total > 0 {
		line += fmt.Sprintf(" | P99: %.1fms", stats.Elapsed.P99Ms)
	}
	return line
}

func topLabel(stats metrics.Stats) (string, metrics.LabelStats, bool) {
	if len(stats.Labels) == 0 {
		return "", metrics.LabelStats{}, false
	}
	names := make([]string, 0, len(stats.Labels))
	for name := range stats.Labels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if stats.Labels[names[i]].Total == stats.Labels[names[j]].Total {
			return names[i] < names[j]
		}
		return stats.Labels[names[i]].Total > stats.Labels[names[j]].Total
	})
	name := names[0]
	return name, stats.Labels[name], true
}
