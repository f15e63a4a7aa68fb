// Package ring implements the ExportRing: a lock-free single-producer/
// single-consumer hand-off queue carrying completed flow records from the
// cache goroutine to the exporter goroutine, guaranteeing FIFO order.
package ring

import (
	"time"

	"go.uber.org/atomic"

	"github.com/pavelkim/flowexporterd/internal/flow"
)

// pushSpinWait is how long Push sleeps between TryPush retries while the
// ring is full. The consumer side only ever sleeps in whole milliseconds
// (see cache.Drain), so this keeps the producer's back-pressure loop from
// busy-spinning ahead of the consumer's own cadence.
const pushSpinWait = 100 * time.Microsecond

// Ring is a fixed-capacity SPSC ring buffer of *flow.Record pointers.
// Capacity is rounded up to the next power of two so the index mask can
// replace a modulo.
type Ring struct {
	mask uint64
	buf  []*flow.Record

	head atomic.Uint64 // next slot the producer will write
	tail atomic.Uint64 // next slot the consumer will read
}

// New creates a ring with at least the requested capacity.
func New(capacity int) *Ring {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Ring{
		mask: size - 1,
		buf:  make([]*flow.Record, size),
	}
}

// TryPush attempts to enqueue rec without blocking. ok is false when the
// ring is full; the caller (the cache) must treat this as the designed
// back-pressure path and retry.
func (r *Ring) TryPush(rec *flow.Record) (ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask] = rec
	r.head.Store(head + 1)
	return true
}

// Push enqueues rec, blocking until the consumer drains room for it (or
// stop is closed). This is the cache's back-pressure path: a full ring
// means the consumer has fallen behind, and the producer must wait rather
// than drop, per the cache's "never drops silently" contract. ok is false
// only when stop fires before room becomes available.
func (r *Ring) Push(rec *flow.Record, stop <-chan struct{}) (ok bool) {
	for {
		if r.TryPush(rec) {
			return true
		}
		select {
		case <-stop:
			return false
		case <-time.After(pushSpinWait):
		}
	}
}

// TryPop attempts to dequeue the oldest record without blocking. ok is
// false when the ring is empty.
func (r *Ring) TryPop() (rec *flow.Record, ok bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return nil, false
	}
	rec = r.buf[tail&r.mask]
	r.buf[tail&r.mask] = nil
	r.tail.Store(tail + 1)
	return rec, true
}

// Len returns the current number of queued records. It is advisory only
// under concurrent access from the other side.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
