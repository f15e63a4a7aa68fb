// Package textsink implements the minimal text/UniRec-shaped record sink
// mentioned in the specification's scope as "specified only by the record
// hand-off interface": it implements the same cache.Exporter contract the
// IPFIX exporter does, so a deployment can attach either or both.
package textsink

import (
	"fmt"
	"io"
	"net"

	"github.com/pavelkim/flowexporterd/internal/flow"
)

// Sink writes one line of tab-separated fields per exported flow.
type Sink struct {
	w io.Writer
}

// New wraps an io.Writer (typically an *os.File) as a text sink.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Export writes rec as one tab-separated line, matching the field order
// goProbe's own FlowLog table-print uses for its GPFlow rows.
func (s *Sink) Export(rec *flow.Record) error {
	srcIP := ipString(rec.Key.SrcIP[:], rec.Key.Version)
	dstIP := ipString(rec.Key.DstIP[:], rec.Key.Version)
	_, err := fmt.Fprintf(s.w, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
		srcIP, rec.Key.SrcPort, dstIP, rec.Key.DstPort, rec.Key.Proto,
		rec.SrcPackets, rec.SrcBytes, rec.DstPackets, rec.DstBytes, rec.EndReason)
	return err
}

func ipString(b []byte, version flow.IPVersion) string {
	if version == flow.IPv4 {
		return net.IP(b[:4]).String()
	}
	return net.IP(b).String()
}
