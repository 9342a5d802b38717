package tracker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/tracker"
)

type captured struct {
	mu      sync.Mutex
	records []*sample.Result
}

func (c *captured) Record(res *sample.Result, valid bool) {
	c.mu.Lock()
	c.records = append(c.records, res)
	c.mu.Unlock()
}

func (c *captured) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestForwardingDecision(t *testing.T) {
	tests := []struct {
		name      string
		valid     bool
		finish    func(*sample.Result)
		forwarded bool
	}{
		{"success always forwarded", false, func(r *sample.Result) { r.Succeed() }, true},
		{"valid failure forwarded", true, func(r *sample.Result) { r.Fail(errors.New("x")) }, true},
		{"invalid failure dropped", false, func(r *sample.Result) { r.Fail(errors.New("x")) }, false},
		{"abandoned dropped", true, func(r *sample.Result) { r.Abandon(errors.New("x")) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captured{}
			tr := tracker.New(sink)
			res := sample.New("s", 1, 1)
			res.SetValid(tt.valid)

			tr.Track(res)
			assert.Equal(t, int64(1), tr.Outstanding())
			tt.finish(res)

			require.Eventually(t, func() bool { return tr.Outstanding() == 0 }, time.Second, time.Millisecond)
			want, dropped := 0, int64(1)
			if tt.forwarded {
				want, dropped = 1, 0
			}
			assert.Equal(t, want, sink.len())
			assert.Equal(t, dropped, tr.Dropped())
		})
	}
}

func TestCounterReturnsToBaseline(t *testing.T) {
	sink := &captured{}
	tr := tracker.New(sink)

	const n = 200
	results := make([]*sample.Result, n)
	for i := range results {
		results[i] = sample.New("s", i%8, int64(i))
		tr.SampleStarted()
		tr.Observe(results[i])
	}
	assert.Equal(t, int64(n), tr.Outstanding())

	var wg sync.WaitGroup
	for i, res := range results {
		wg.Add(1)
		go func(i int, res *sample.Result) {
			defer wg.Done()
			if i%2 == 0 {
				res.Succeed()
			} else {
				res.Fail(errors.New("odd"))
			}
		}(i, res)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return tr.Outstanding() == 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, n/2, sink.len(), "invalid failures are not forwarded")
	assert.Equal(t, int64(n/2), tr.Dropped())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(0), tr.Outstanding(), "counter never goes negative")
}

func TestDrainZeroReturnsImmediately(t *testing.T) {
	tr := tracker.New(nil)
	tr.Track(sample.New("s", 1, 1))

	start := time.Now()
	assert.Equal(t, int64(1), tr.Drain(context.Background(), 0))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestDrainTimesOut(t *testing.T) {
	tr := tracker.New(nil, tracker.WithDrainInterval(20*time.Millisecond))
	tr.Track(sample.New("s", 1, 1))

	start := time.Now()
	remaining := tr.Drain(context.Background(), 150*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, int64(1), remaining)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond+200*time.Millisecond)
}

func TestDrainReturnsWhenCountReachesZero(t *testing.T) {
	tr := tracker.New(nil, tracker.WithDrainInterval(10*time.Millisecond))
	res := sample.New("s", 1, 1)
	tr.Track(res)
	time.AfterFunc(50*time.Millisecond, func() { res.Succeed() })

	start := time.Now()
	remaining := tr.Drain(context.Background(), 5*time.Second)
	assert.Equal(t, int64(0), remaining)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDrainHonoursContext(t *testing.T) {
	tr := tracker.New(nil)
	tr.Track(sample.New("s", 1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Equal(t, int64(1), tr.Drain(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMultiSinkAndSinkFunc(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	mk := func(name string) tracker.Sink {
		return tracker.SinkFunc(func(*sample.Result, bool) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		})
	}
	tracker.MultiSink{mk("a"), nil, mk("b")}.Record(sample.New("s", 1, 1), true)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestDroppedCountedWithoutSink(t *testing.T) {
	tr := tracker.New(nil)
	res := sample.New("s", 1, 1)
	tr.Track(res)
	res.Abandon(errors.New("never started"))

	require.Eventually(t, func() bool { return tr.Outstanding() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), tr.Dropped())
}

func TestCloseStopsWatching(t *testing.T) {
	sink := &captured{}
	tr := tracker.New(sink)
	res := sample.New("s", 1, 1)
	res.SetValid(true)
	tr.Track(res)

	tr.Close()
	tr.Close()
	res.Succeed()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), tr.Outstanding())
	assert.Equal(t, 0, sink.len())
}
