package threshold

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/torosent/streamfire/internal/metrics"
	"github.com/torosent/streamfire/internal/sample"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input     string
		want      Threshold
		wantError bool
	}{
		{input: "sample_duration:p95 < 500", want: Threshold{"sample_duration", "p95", "<", 500, "sample_duration:p95 < 500"}},
		{input: "  sample_latency:p99<=20.5 ", want: Threshold{"sample_latency", "p99", "<=", 20.5, "sample_latency:p99<=20.5"}},
		{input: "sample_connect:max < 50", want: Threshold{"sample_connect", "max", "<", 50, "sample_connect:max < 50"}},
		{input: "sample_failed:rate < 0.01", want: Threshold{"sample_failed", "rate", "<", 0.01, "sample_failed:rate < 0.01"}},
		{input: "samples:count >= 100", want: Threshold{"samples", "count", ">=", 100, "samples:count >= 100"}},
		{input: "", wantError: true},
		{input: "sample_duration:p95 500", wantError: true},
		{input: "http_req_duration:p95 < 500", wantError: true},
		{input: "sample_duration:p85 < 500", wantError: true},
		{input: "sample_duration:p95 << 500", wantError: true},
		{input: "sample_duration:p95 != 500", wantError: true},
		{input: "sample_duration:p95 < abc", wantError: true},
		{input: "sample_duration:p95 < 1.2.3", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantError {
				t.Fatalf("Parse(%q) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
			if !tt.wantError && got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseMultipleReportsEveryBadEntry(t *testing.T) {
	got, err := ParseMultiple([]string{"sample_duration:p95 < 500", "bogus", "samples:rate > 1", "sample_failed:p200 < 1"})
	if err == nil {
		t.Fatalf("ParseMultiple() = %v, want error", got)
	}
	for _, want := range []string{"threshold[1]", "threshold[3]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
	if strings.Contains(err.Error(), "threshold[0]") {
		t.Errorf("error %q names a valid entry", err)
	}

	if got, err := ParseMultiple(nil); err != nil || got != nil {
		t.Errorf("ParseMultiple(nil) = %v, %v", got, err)
	}
}

// recorded builds a terminated sample whose first item arrives after
// latency and which ends after elapsed.
func recorded(elapsed, latency time.Duration, err error) *sample.Result {
	base := time.Unix(1_700_000_000, 0)
	at := base
	res := sample.New("REQUEST_RESPONSE echo", 1, 1, sample.WithClock(func() time.Time { return at }))
	res.SetValid(true)
	res.MarkStarted()
	at = base.Add(latency)
	res.Append([]byte("pong"))
	at = base.Add(elapsed)
	if err != nil {
		res.Fail(err)
	} else {
		res.Succeed()
	}
	return res
}

func TestEvaluateCollectedRun(t *testing.T) {
	c := metrics.NewCollector()
	for i := 1; i <= 10; i++ {
		var err error
		if i%5 == 0 {
			err = errors.New("stream reset")
		}
		elapsed := time.Duration(i) * 10 * time.Millisecond
		c.Record(recorded(elapsed, elapsed/2, err), true)
	}
	stats := c.Stats(time.Second)

	tests := []struct {
		threshold string
		pass      bool
	}{
		{"sample_duration:max <= 100", true},
		{"sample_duration:min >= 10", true},
		{"sample_duration:avg == 55", true},
		{"sample_duration:p99 < 90", false},
		{"sample_latency:max < 5", false},
		{"sample_latency:min > 4", true},
		{"sample_connect:max == 0", true},
		{"sample_failed:count == 2", true},
		{"sample_failed:rate < 0.1", false},
		{"samples:count == 10", true},
		{"samples:rate > 5", true},
	}
	raw := make([]string, len(tests))
	for i, tt := range tests {
		raw[i] = tt.threshold
	}
	thresholds, err := ParseMultiple(raw)
	if err != nil {
		t.Fatalf("ParseMultiple() error = %v", err)
	}

	results := NewEvaluator(thresholds).Evaluate(stats)
	if len(results) != len(tests) {
		t.Fatalf("got %d results, want %d", len(results), len(tests))
	}
	for i, r := range results {
		if r.Threshold.Raw != tests[i].threshold {
			t.Errorf("result %d is for %q, want %q", i, r.Threshold.Raw, tests[i].threshold)
		}
		if r.Pass != tests[i].pass {
			t.Errorf("%q: pass = %v, want %v (actual %.3f)", r.Threshold.Raw, r.Pass, tests[i].pass, r.Actual)
		}
	}
}

func TestEvaluateUnsupportedAggregateFails(t *testing.T) {
	th, err := Parse("sample_failed:p95 < 1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	results := NewEvaluator([]Threshold{th}).Evaluate(metrics.Stats{Total: 1})
	if len(results) != 1 || results[0].Pass {
		t.Fatalf("Evaluate() = %+v, want one failed result", results)
	}
	if !strings.HasPrefix(results[0].Message, "error:") {
		t.Errorf("Message = %q", results[0].Message)
	}

	if got := NewEvaluator(nil).Evaluate(metrics.Stats{}); got != nil {
		t.Errorf("Evaluate() without thresholds = %v", got)
	}
}

func TestFailureRateOfEmptyRun(t *testing.T) {
	th, _ := Parse("sample_failed:rate == 0")
	results := NewEvaluator([]Threshold{th}).Evaluate(metrics.Stats{})
	if !results[0].Pass {
		t.Errorf("failure rate of an empty run = %.2f, want 0", results[0].Actual)
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		actual   float64
		operator string
		expected float64
		want     bool
	}{
		{50, "<", 100, true},
		{100, "<", 100, false},
		{100, "<=", 100, true},
		{150, "<=", 100, false},
		{100, ">", 100, false},
		{150, ">", 100, true},
		{100, ">=", 100, true},
		{50, ">=", 100, false},
		{100.0000000001, "==", 100, true},
		{100, "==", 101, false},
		{1, "!=", 2, false},
	}

	for _, tt := range tests {
		if got := compareValues(tt.actual, tt.operator, tt.expected); got != tt.want {
			t.Errorf("compareValues(%v, %s, %v) = %v, want %v", tt.actual, tt.operator, tt.expected, got, tt.want)
		}
	}
}
