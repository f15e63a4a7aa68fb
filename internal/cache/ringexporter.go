package cache

import (
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/metrics"
	"github.com/pavelkim/flowexporterd/internal/ring"
)

// RingExporter decouples the cache's hot path from the exporter's blocking
// network I/O: Export hands the record off through a lock-free SPSC ring
// instead of calling the downstream exporter in-line, matching the
// cache-goroutine / exporter-goroutine split the concurrency model calls
// for. A full ring means the consumer has fallen behind; Export blocks
// until the consumer catches up (cooperative back-pressure into the
// cache's Put), rather than dropping the record.
type RingExporter struct {
	ring *ring.Ring
	m    *metrics.Metrics
	stop <-chan struct{}
}

// NewRingExporter wraps r as a cache.Exporter. stop, when closed, aborts
// any in-flight blocking push (used during shutdown so a Put in progress
// doesn't wedge forever against a ring nobody is draining anymore).
func NewRingExporter(r *ring.Ring, m *metrics.Metrics, stop <-chan struct{}) *RingExporter {
	return &RingExporter{ring: r, m: m, stop: stop}
}

func (e *RingExporter) Export(rec *flow.Record) error {
	if !e.ring.Push(rec, e.stop) {
		if e.m != nil {
			e.m.DroppedRingFull.Inc()
		}
	}
	return nil
}

// Drain runs on the consumer goroutine: it pops every record the ring
// yields and hands it to next, until stop is closed and the ring runs dry.
func Drain(r *ring.Ring, next Exporter, stop <-chan struct{}) {
	for {
		rec, ok := r.TryPop()
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		_ = next.Export(rec)
	}
}
