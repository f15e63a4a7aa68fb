// Package phists implements a per-direction payload-length and
// inter-packet-time histogram analyzer, grounded on process/phists.cpp:
// each direction buckets packet payload lengths and inter-packet gaps into
// a small fixed number of logarithmic bins.
package phists

import (
	"math/bits"
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/options"
	"github.com/pavelkim/flowexporterd/internal/plugin"
)

// NumBins matches HISTOGRAM_SIZE in the original: payload lengths and
// inter-packet gaps are bucketed into one of these log2 bins.
const NumBins = 8

// Extension is the per-flow histogram pair attached by Plugin.
type Extension struct {
	id int

	sizeHist [2][NumBins]uint32
	iptHist  [2][NumBins]uint32
	lastSeen [2]time.Time
	seen     [2]bool
}

func (e *Extension) RegisteredID() int { return e.id }

// TemplateFields returns a single name: both directions' size and
// inter-packet-time histograms are wire-encoded together as one
// variable-length field.
func (e *Extension) TemplateFields() []string {
	return []string{"PHISTS_HISTOGRAMS"}
}

func (e *Extension) SerializeIPFIX(buf []byte) ([]byte, bool) {
	for dir := 0; dir < 2; dir++ {
		for _, v := range e.sizeHist[dir] {
			buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		}
		for _, v := range e.iptHist[dir] {
			buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		}
	}
	return buf, true
}

func bin(v int) int {
	if v <= 0 {
		return 0
	}
	b := bits.Len(uint(v))
	if b >= NumBins {
		return NumBins - 1
	}
	return b
}

// Plugin is the analyzer registered with the plugin pipeline.
type Plugin struct {
	plugin.NoopAnalyzer
	id int
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string          { return "phists" }
func (p *Plugin) SetExtensionID(id int) { p.id = id }

func (p *Plugin) OptionsParser() *options.Parser { return options.NewParser() }

func (p *Plugin) ExtensionPrototype() flow.Extension { return &Extension{} }

func (p *Plugin) IPFIXTemplateFields() []string {
	return (&Extension{}).TemplateFields()
}

func direction(pkt *flow.Packet) int {
	if pkt.SourcePkt {
		return 0
	}
	return 1
}

func (p *Plugin) PostCreate(rec *flow.Record, pkt *flow.Packet) plugin.Mask {
	ext := &Extension{id: p.id}
	rec.AddExtension(ext)
	update(ext, pkt)
	return plugin.MaskNone
}

func (p *Plugin) PreUpdate(rec *flow.Record, pkt *flow.Packet) plugin.Mask {
	if ext, ok := rec.Extension(p.id).(*Extension); ok && ext != nil {
		update(ext, pkt)
	}
	return plugin.MaskNone
}

func update(ext *Extension, pkt *flow.Packet) {
	dir := direction(pkt)
	ext.sizeHist[dir][bin(pkt.L4PayloadLen)]++

	ts := pkt.Timestamp()
	if ext.seen[dir] {
		gapMs := int(ts.Sub(ext.lastSeen[dir]).Milliseconds())
		ext.iptHist[dir][bin(gapMs)]++
	}
	ext.lastSeen[dir] = ts
	ext.seen[dir] = true
}
