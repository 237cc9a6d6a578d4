package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics is the counter set recorded by the storage engine. All methods
// are safe for concurrent use.
type Metrics struct {
	fetches        metric.Int64Counter
	evictions      metric.Int64Counter
	walAppends     metric.Int64Counter
	walFlushed     metric.Int64Counter
	dblwrCycles    metric.Int64Counter
	pagesAllocated metric.Int64Counter
}

var (
	hitAttrs  = metric.WithAttributes(attribute.String("result", "hit"))
	missAttrs = metric.WithAttributes(attribute.String("result", "miss"))
)

// NewMetrics registers the storage counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.fetches, err = meter.Int64Counter("stonedb_buffer_fetch_total",
		metric.WithDescription("Page fetches served by the buffer pool")); err != nil {
		return nil, fmt.Errorf("failed to create fetch counter: %w", err)
	}
	if m.evictions, err = meter.Int64Counter("stonedb_frames_evicted_total",
		metric.WithDescription("Frames purged from the frame manager")); err != nil {
		return nil, fmt.Errorf("failed to create eviction counter: %w", err)
	}
	if m.walAppends, err = meter.Int64Counter("stonedb_wal_append_total",
		metric.WithDescription("Log entries appended to the WAL buffer")); err != nil {
		return nil, fmt.Errorf("failed to create wal append counter: %w", err)
	}
	if m.walFlushed, err = meter.Int64Counter("stonedb_wal_flushed_entries_total",
		metric.WithDescription("Log entries durably written to clog files")); err != nil {
		return nil, fmt.Errorf("failed to create wal flushed counter: %w", err)
	}
	if m.dblwrCycles, err = meter.Int64Counter("stonedb_dblwr_flush_cycles_total",
		metric.WithDescription("Double-write buffer flush cycles")); err != nil {
		return nil, fmt.Errorf("failed to create dblwr counter: %w", err)
	}
	if m.pagesAllocated, err = meter.Int64Counter("stonedb_pages_allocated_total",
		metric.WithDescription("Pages allocated across all buffer pools")); err != nil {
		return nil, fmt.Errorf("failed to create allocation counter: %w", err)
	}
	return m, nil
}

// Noop returns a Metrics whose counters discard every record. Used by
// tests and the vacuous configurations.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func (m *Metrics) FetchHit()  { m.fetches.Add(context.Background(), 1, hitAttrs) }
func (m *Metrics) FetchMiss() { m.fetches.Add(context.Background(), 1, missAttrs) }

func (m *Metrics) FramesEvicted(n int) {
	m.evictions.Add(context.Background(), int64(n))
}

func (m *Metrics) WALAppend() { m.walAppends.Add(context.Background(), 1) }

func (m *Metrics) WALFlushed(n int) {
	m.walFlushed.Add(context.Background(), int64(n))
}

func (m *Metrics) DblwrFlushCycle() { m.dblwrCycles.Add(context.Background(), 1) }

func (m *Metrics) PageAllocated() { m.pagesAllocated.Add(context.Background(), 1) }
