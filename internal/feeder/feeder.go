// Package feeder supplies per-sample records from a CSV or JSON data set.
// Each record's fields become variables of the sampling thread.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Record represents a single row of data with named fields.
type Record map[string]string

// Feeder provides per-sample data from a dataset in deterministic order.
// Implementations must be safe for concurrent use.
type Feeder interface {
	// Next returns the next record. Once every record was handed out it
	// starts over, or returns ErrExhausted when recycling is off.
	Next(ctx context.Context) (Record, error)

	// Close releases any resources held by the feeder.
	Close() error

	// Len returns the total number of records in the dataset.
	Len() int
}

// ErrExhausted is returned when a feeder has no more records and recycling is disabled.
var ErrExhausted = errors.New("feeder exhausted: no more records available")

// Open loads path as a CSV or JSON data set depending on its extension.
func Open(path string, recycle bool) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return NewCSVFeeder(path, recycle)
	case ".json":
		return NewJSONFeeder(path, recycle)
	default:
		return nil, fmt.Errorf("data set %q: unsupported extension (use .csv or .json)", path)
	}
}

// dataset hands out records in order, shared by all threads.
type dataset struct {
	records []Record
	recycle bool

	mu    sync.Mutex
	index int
}

func (d *dataset) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.index >= len(d.records) {
		if !d.recycle {
			return nil, ErrExhausted
		}
		d.index = 0
	}
	record := d.records[d.index]
	d.index++
	return record, nil
}

func (d *dataset) Close() error { return nil }

func (d *dataset) Len() int { return len(d.records) }
