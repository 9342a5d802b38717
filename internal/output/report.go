package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/torosent/streamfire/internal/connection"
	"github.com/torosent/streamfire/internal/metrics"
	"github.com/torosent/streamfire/internal/threshold"
)

// Report is everything printed at the end of a run.
type Report struct {
	metrics.Stats `yaml:",inline"`

	// Issued counts samples handed to the sampler; Skipped counts pacing
	// slots dropped while a thread's queue was full.
	Issued  int64 `json:"issued" yaml:"issued"`
	Skipped int64 `json:"skipped" yaml:"skipped"`
	// Invalid samples never reached measured work and were dropped unreported.
	Invalid int64 `json:"invalid" yaml:"invalid"`
	// Cancelled samples were stopped mid-flight and never reported.
	Cancelled int64 `json:"cancelled" yaml:"cancelled"`
	// Outstanding samples had not reported when the drain ended.
	Outstanding int64 `json:"outstanding" yaml:"outstanding"`

	Transport  *connection.Metrics `json:"transport,omitempty" yaml:"transport,omitempty"`
	Thresholds []ThresholdResult   `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// ThresholdResult is the reported outcome of one threshold.
type ThresholdResult struct {
	Threshold string  `json:"threshold" yaml:"threshold"`
	Metric    string  `json:"metric" yaml:"metric"`
	Aggregate string  `json:"aggregate" yaml:"aggregate"`
	Operator  string  `json:"operator" yaml:"operator"`
	Expected  float64 `json:"expected" yaml:"expected"`
	Actual    float64 `json:"actual" yaml:"actual"`
	Pass      bool    `json:"pass" yaml:"pass"`
}

// NewThresholdResults converts evaluated thresholds for reporting.
func NewThresholdResults(results []threshold.Result) []ThresholdResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]ThresholdResult, len(results))
	for i, r := range results {
		out[i] = ThresholdResult{
			Threshold: r.Threshold.Raw,
			Metric:    r.Threshold.Metric,
			Aggregate: r.Threshold.Aggregate,
			Operator:  r.Threshold.Operator,
			Expected:  r.Threshold.Value,
			Actual:    r.Actual,
			Pass:      r.Pass,
		}
	}
	return out
}

// FailedThresholds counts the thresholds that did not pass.
func (r Report) FailedThresholds() int {
	n := 0
	for _, t := range r.Thresholds {
		if !t.Pass {
			n++
		}
	}
	return n
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, r Report) {
	stats := r.Stats
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	fmt.Fprintf(w, "Issued Samples:    %d\n", r.Issued)
	fmt.Fprintf(w, "Reported Samples:  %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	if r.Invalid > 0 {
		fmt.Fprintf(w, "Invalid:           %d\n", r.Invalid)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(w, "Skipped:           %d\n", r.Skipped)
	}
	if r.Cancelled > 0 {
		fmt.Fprintf(w, "Cancelled:         %d\n", r.Cancelled)
	}
	if r.Outstanding > 0 {
		fmt.Fprintf(w, "Outstanding:       %d\n", r.Outstanding)
	}
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Samples/sec:       %.2f\n", stats.SamplesPerSec)
	fmt.Fprintf(w, "Bytes Received:    %d\n", stats.BytesReceived)

	writeSummary(w, "Elapsed", stats.Elapsed)
	writeSummary(w, "Latency (first byte)", stats.Latency)
	writeSummary(w, "Connect", stats.Connect)

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		names := make([]string, 0, len(stats.Errors))
		for name := range stats.Errors {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if stats.Errors[names[i]] == stats.Errors[names[j]] {
				return names[i] < names[j]
			}
			return stats.Errors[names[i]] > stats.Errors[names[j]]
		})
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d\n", name, stats.Errors[name])
		}
	}

	if len(stats.StatusBuckets) > 0 {
		fmt.Fprintln(w, "\nStatus Buckets:")
		writeStatusBuckets(w, stats.StatusBuckets, "  ")
	}

	if len(stats.Labels) > 1 {
		fmt.Fprintln(w, "\nLabel Breakdown:")
		names := make([]string, 0, len(stats.Labels))
		for name := range stats.Labels {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			return stats.Labels[names[i]].Total > stats.Labels[names[j]].Total
		})
		for _, name := range names {
			label := stats.Labels[name]
			share := 0.0
			if stats.Total > 0 {
				share = (float64(label.Total) / float64(stats.Total)) * 100
			}

			fmt.Fprintf(
				w,
				"  - %s: total=%d (%.1f%%), successes=%d, failures=%d, rate=%.2f/s, p99=%s\n",
				name,
				label.Total,
				share,
				label.Successes,
				label.Failures,
				label.SamplesPerSec,
				label.Elapsed.P99,
			)
		}
	}

	if t := r.Transport; t != nil {
		fmt.Fprintln(w, "\nTransport Metrics:")
		fmt.Fprintf(w, "  %s:\n", t.Protocol)
		fmt.Fprintf(w, "    messages_sent: %d\n", t.MessagesSent)
		fmt.Fprintf(w, "    messages_received: %d\n", t.MessagesReceived)
		fmt.Fprintf(w, "    bytes_sent: %d\n", t.BytesSent)
		fmt.Fprintf(w, "    bytes_received: %d\n", t.BytesReceived)
		fmt.Fprintf(w, "    errors: %d\n", t.Errors)
	}

	if len(r.Thresholds) > 0 {
		fmt.Fprintf(w, "\nThresholds (%d/%d passed):\n", len(r.Thresholds)-r.FailedThresholds(), len(r.Thresholds))
		for _, t := range r.Thresholds {
			mark := "PASS"
			if !t.Pass {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "  [%s] %s (actual %.2f)\n", mark, t.Threshold, t.Actual)
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// PrintYAMLReport outputs a YAML-formatted report.
func PrintYAMLReport(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

func writeSummary(w io.Writer, title string, s metrics.Summary) {
	fmt.Fprintf(w, "\n%s:\n", title)
	fmt.Fprintf(w, "  Min:             %s\n", s.Min)
	fmt.Fprintf(w, "  Max:             %s\n", s.Max)
	fmt.Fprintf(w, "  Mean:            %s\n", s.Mean)
	fmt.Fprintf(w, "  P50:             %s\n", s.P50)
	fmt.Fprintf(w, "  P90:             %s\n", s.P90)
	fmt.Fprintf(w, "  P95:             %s\n", s.P95)
	fmt.Fprintf(w, "  P99:             %s\n", s.P99)
}

func writeStatusBuckets(w io.Writer, buckets map[string]map[string]int, indent string) {
	rows := metrics.FlattenStatusBuckets(buckets)
	if len(rows) == 0 {
		fmt.Fprintf(w, "%sNone\n", indent)
		return
	}
	for _, row := range rows {
		fmt.Fprintf(
			w,
			"%s%s %s: %d\n",
			indent,
			strings.ToUpper(row.Protocol),
			row.Code,
			row.Count,
		)
	}
}
