package ring

import (
	"testing"

	"github.com/pavelkim/flowexporterd/internal/flow"
)

func TestRingCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	r := New(3)
	if r.Cap() != 4 {
		t.Fatalf("expected capacity rounded up to 4, got %d", r.Cap())
	}
	r2 := New(8)
	if r2.Cap() != 8 {
		t.Fatalf("expected an already-power-of-two capacity to be kept as-is, got %d", r2.Cap())
	}
}

func TestRingPushPopPreservesFIFOOrder(t *testing.T) {
	r := New(4)
	recs := []*flow.Record{{}, {}, {}}
	for i, rec := range recs {
		rec.InputInterface = uint32(i)
		if !r.TryPush(rec) {
			t.Fatalf("TryPush %d should succeed while the ring has room", i)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 queued records, got %d", r.Len())
	}
	for i := range recs {
		got, ok := r.TryPop()
		if !ok {
			t.Fatalf("TryPop %d should succeed", i)
		}
		if got.InputInterface != uint32(i) {
			t.Fatalf("expected FIFO order, got record %d at position %d", got.InputInterface, i)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("expected an empty ring after draining, got len %d", r.Len())
	}
}

func TestRingTryPopOnEmptyReturnsFalse(t *testing.T) {
	r := New(2)
	if _, ok := r.TryPop(); ok {
		t.Fatalf("expected TryPop on an empty ring to report false")
	}
}

func TestRingTryPushOnFullReturnsFalse(t *testing.T) {
	r := New(2)
	if !r.TryPush(&flow.Record{}) {
		t.Fatalf("first push should succeed")
	}
	if !r.TryPush(&flow.Record{}) {
		t.Fatalf("second push should succeed (capacity 2)")
	}
	if r.TryPush(&flow.Record{}) {
		t.Fatalf("expected the third push to fail once the ring is full")
	}
}
