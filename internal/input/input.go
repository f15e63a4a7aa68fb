// Package input defines the boundary between a capture backend and the
// flow cache: a Source produces flow.Packet values and hands each one to a
// Sink until the source is exhausted or its context is canceled. Capture
// backends themselves are out of core scope (per the specification); this
// package and its subpackages provide one concrete, honest example of the
// boundary, adapted from the teacher repo's own TZSP/gopacket decode path.
package input

import (
	"context"

	"github.com/pavelkim/flowexporterd/internal/flow"
)

// Sink receives decoded packets from a Source. The cache itself
// implements Sink via its Put method.
type Sink interface {
	Put(pkt *flow.Packet) error
}

// Source produces packets until ctx is canceled or the underlying medium
// is exhausted.
type Source interface {
	Run(ctx context.Context, sink Sink) error
	Close() error
}
