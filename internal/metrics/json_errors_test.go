package metrics_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/torosent/streamfire/internal/metrics"
)

type statusError struct {
	protocol string
	code     string
}

func (e *statusError) Error() string      { return e.protocol + " " + e.code }
func (e *statusError) Protocol() string   { return e.protocol }
func (e *statusError) StatusCode() string { return e.code }

func TestStatsJSONIncludesStatusBucketsAndDuration(t *testing.T) {
	c := metrics.NewCollector()
	c.Record(timed("rr", 10*time.Millisecond, nil), true)
	c.Record(timed("rr", 15*time.Millisecond, errors.New("boom")), true)
	c.Record(timed("rr", 20*time.Millisecond, &statusError{protocol: "grpc", code: "Unavailable"}), true)
	c.Record(timed("rr", 20*time.Millisecond, fmt.Errorf("read: %w", &statusError{protocol: "websocket", code: "1011"})), true)

	elapsed := 150 * time.Millisecond
	stats := c.Stats(elapsed)
	if stats.Duration != elapsed {
		t.Fatalf("expected Duration %s got %s", elapsed, stats.Duration)
	}
	if stats.SamplesPerSec == 0 {
		t.Fatalf("expected non-zero SamplesPerSec")
	}
	if stats.StatusBuckets["grpc"]["Unavailable"] != 1 {
		t.Errorf("expected grpc Unavailable bucket, got %v", stats.StatusBuckets)
	}
	if stats.StatusBuckets["websocket"]["1011"] != 1 {
		t.Errorf("expected websocket 1011 bucket, got %v", stats.StatusBuckets)
	}
	if stats.Errors["Error"] != 1 {
		t.Errorf("expected one plain error, got %v", stats.Errors)
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := parsed["duration_ms"]; !ok {
		t.Errorf("missing duration_ms in JSON")
	}
	statusBuckets, ok := parsed["status_buckets"].(map[string]interface{})
	if !ok || len(statusBuckets) != 2 {
		t.Fatalf("expected status_buckets in JSON output, got %v", parsed["status_buckets"])
	}
	if _, ok := parsed["errors"]; !ok {
		t.Fatalf("expected errors in JSON output")
	}
}
