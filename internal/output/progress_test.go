package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/torosent/streamfire/internal/metrics"
	"github.com/torosent/streamfire/internal/sample"
)

func record(c *metrics.Collector, label string, n int) {
	for i := 0; i < n; i++ {
		res := sample.New(label, 1, int64(i+1))
		res.MarkStarted()
		res.SetValid(true)
		res.Append([]byte("ok"))
		res.Succeed()
		c.Record(res, true)
	}
}

func TestProgressReporterBasic(t *testing.T) {
	collector := metrics.NewCollector()
	record(collector, "REQUEST_RESPONSE echo", 5)

	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, nil, 100*time.Millisecond, &buf)

	if reporter == nil {
		t.Fatal("Expected non-nil reporter")
	}

	// Stop without Start is a no-op.
	reporter.Stop()
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestProgressReporterFormatting(t *testing.T) {
	collector := metrics.NewCollector()
	record(collector, "REQUEST_RESPONSE echo", 1)

	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, func() int64 { return 3 }, 50*time.Millisecond, &buf)
	reporter.Start()

	time.Sleep(100 * time.Millisecond)
	reporter.Stop()

	output := buf.String()
	if !strings.Contains(output, "Samples: 1") {
		t.Errorf("Expected 'Samples: 1' in progress output, got %q", output)
	}
	if !strings.Contains(output, "In flight: 3") {
		t.Errorf("Expected outstanding count in progress output, got %q", output)
	}
	if !strings.HasSuffix(output, "\n") {
		t.Errorf("Expected Stop to end the progress line")
	}
}

func TestProgressReporterShowsTopLabel(t *testing.T) {
	collector := metrics.NewCollector()
	record(collector, "REQUEST_STREAM feed", 3)
	record(collector, "REQUEST_RESPONSE echo", 1)

	reporter := NewProgressReporter(collector, nil, time.Second, nil)
	line := reporter.line(time.Second)
	if !strings.Contains(line, "Top: REQUEST_STREAM feed (75%") {
		t.Errorf("expected top label in %q", line)
	}
}
