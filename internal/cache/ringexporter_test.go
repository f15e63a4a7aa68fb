package cache

import (
	"testing"
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/ring"
)

func TestRingExporterPushesOntoRing(t *testing.T) {
	r := ring.New(4)
	e := NewRingExporter(r, nil, nil)

	rec := &flow.Record{}
	if err := e.Export(rec); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one record queued on the ring, got %d", r.Len())
	}
}

func TestDrainFeedsNextExporterAndStopsOnSignal(t *testing.T) {
	r := ring.New(4)
	e := NewRingExporter(r, nil, nil)
	next := &recordingExporter{}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Drain(r, next, stop)
		close(done)
	}()

	rec := &flow.Record{EndReason: flow.EndReasonForced}
	if err := e.Export(rec); err != nil {
		t.Fatalf("Export: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(next.records) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(next.records) != 1 {
		t.Fatalf("expected the drain goroutine to deliver the record downstream, got %d", len(next.records))
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Drain to return after stop is closed")
	}
}

// TestRingExporterBlocksWhenRingIsFull is the back-pressure contract: with
// nobody draining, Export on a full ring must block instead of reporting
// success with the record dropped.
func TestRingExporterBlocksWhenRingIsFull(t *testing.T) {
	r := ring.New(2)
	stop := make(chan struct{})
	e := NewRingExporter(r, nil, stop)

	if err := e.Export(&flow.Record{}); err != nil {
		t.Fatalf("Export 1: %v", err)
	}
	if err := e.Export(&flow.Record{}); err != nil {
		t.Fatalf("Export 2: %v", err)
	}
	if r.Len() != r.Cap() {
		t.Fatalf("expected the ring to be full, got len %d cap %d", r.Len(), r.Cap())
	}

	blockedExportDone := make(chan struct{})
	go func() {
		_ = e.Export(&flow.Record{}) // must block: nobody is draining
		close(blockedExportDone)
	}()

	select {
	case <-blockedExportDone:
		t.Fatalf("expected Export to block on a full ring instead of returning immediately")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one slot must unblock the pending Export rather than it
	// having silently dropped the record earlier.
	if _, ok := r.TryPop(); !ok {
		t.Fatalf("expected to pop the first queued record")
	}

	select {
	case <-blockedExportDone:
	case <-time.After(time.Second):
		t.Fatalf("expected the blocked Export to complete once room freed up")
	}
	if r.Len() != r.Cap() {
		t.Fatalf("expected the ring to be refilled to capacity by the unblocked push, got len %d", r.Len())
	}

	close(stop)
}

func TestRingPushUnblocksOnStop(t *testing.T) {
	r := ring.New(1)
	stop := make(chan struct{})
	r.TryPush(&flow.Record{}) // fill the only slot

	done := make(chan struct{})
	go func() {
		ok := r.Push(&flow.Record{}, stop)
		if ok {
			t.Errorf("expected Push to report false once stop fires")
		}
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Push to return once stop is closed")
	}
}
