// Package bstats implements a per-direction packet-burst analyzer,
// grounded on process/bstats.cpp's BSTATSPlugin: packets in the same
// direction arriving less than maxInterPacketGap apart belong to the same
// burst; a direction's burst array records each burst's packet count, byte
// count, and start/end timestamps, up to a fixed element bound.
package bstats

import (
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/options"
	"github.com/pavelkim/flowexporterd/internal/plugin"
)

const (
	// MaxBursts bounds the per-direction burst array, matching
	// BSTATS_MAXELENCOUNT in the original.
	MaxBursts = 15
	// MinPacketsInBurst is the minimum packet count for a burst to be
	// considered real rather than noise, matching MINIMAL_PACKETS_IN_BURST.
	MinPacketsInBurst = 3
	// maxInterPacketGap bounds how far apart two packets in the same
	// direction can be and still belong to the same burst, matching
	// MAXIMAL_INTERPKT_TIME (milliseconds) in the original.
	maxInterPacketGap = 1000 * time.Millisecond
)

type burst struct {
	packets uint32
	bytes   uint64
	start   time.Time
	end     time.Time
}

// Extension is the per-flow burst record attached by Plugin.
type Extension struct {
	id int

	bursts     [2][MaxBursts]burst
	count      [2]int
	hasBursts  [2]bool
}

func (e *Extension) RegisteredID() int { return e.id }

// TemplateFields returns a single name: the burst arrays for both
// directions are wire-encoded together as one variable-length field,
// mirroring how the original wraps SBI_BRST_*/DBI_BRST_* sub-elements in a
// single basicList IE (element 291) rather than as separate fixed fields.
func (e *Extension) TemplateFields() []string {
	return []string{"BSTATS_BURSTS"}
}

func (e *Extension) SerializeIPFIX(buf []byte) ([]byte, bool) {
	for dir := 0; dir < 2; dir++ {
		n := e.count[dir]
		buf = append(buf, byte(n))
		for i := 0; i < n; i++ {
			b := e.bursts[dir][i]
			buf = appendUint32(buf, b.packets)
			buf = appendUint64(buf, b.bytes)
			buf = appendUint32(buf, uint32(b.start.Unix()))
			buf = appendUint32(buf, uint32(b.end.Unix()))
		}
	}
	return buf, true
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Plugin is the analyzer registered with the plugin pipeline.
type Plugin struct {
	plugin.NoopAnalyzer
	id int
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "bstats" }

func (p *Plugin) SetExtensionID(id int) { p.id = id }

func (p *Plugin) OptionsParser() *options.Parser { return options.NewParser() }

func (p *Plugin) ExtensionPrototype() flow.Extension {
	return &Extension{}
}

func (p *Plugin) IPFIXTemplateFields() []string {
	return (&Extension{}).TemplateFields()
}

// direction maps a packet's SourcePkt flag to the 0/1 index the original
// uses (!pkt.source_pkt): 0 is the canonical forward direction.
func direction(pkt *flow.Packet) int {
	if pkt.SourcePkt {
		return 0
	}
	return 1
}

func (p *Plugin) PostCreate(rec *flow.Record, pkt *flow.Packet) plugin.Mask {
	ext := &Extension{id: p.id}
	rec.AddExtension(ext)
	updateRecord(ext, pkt)
	return plugin.MaskNone
}

func (p *Plugin) PreUpdate(rec *flow.Record, pkt *flow.Packet) plugin.Mask {
	ext, ok := rec.Extension(p.id).(*Extension)
	if !ok || ext == nil {
		return plugin.MaskNone
	}
	updateRecord(ext, pkt)
	return plugin.MaskNone
}

func (p *Plugin) PreExport(rec *flow.Record) {
	total := rec.SrcPackets + rec.DstPackets
	if total <= MinPacketsInBurst {
		rec.RemoveExtension(p.id)
		return
	}
	ext, ok := rec.Extension(p.id).(*Extension)
	if !ok || ext == nil {
		return
	}
	for dir := 0; dir < 2; dir++ {
		if ext.count[dir] < MaxBursts && isLastBurstReal(ext, dir) {
			ext.count[dir]++
		}
	}
}

func isLastBurstReal(ext *Extension, dir int) bool {
	return ext.bursts[dir][ext.count[dir]].packets >= MinPacketsInBurst
}

func belongsToLastBurst(ext *Extension, dir int, ts time.Time) bool {
	return ts.Sub(ext.bursts[dir][ext.count[dir]].end) < maxInterPacketGap
}

func initializeBurst(ext *Extension, dir int, ts time.Time, payloadLen int) {
	b := &ext.bursts[dir][ext.count[dir]]
	b.packets = 1
	b.bytes = uint64(payloadLen)
	b.start = ts
	b.end = ts
}

func processBurst(ext *Extension, dir int, ts time.Time, payloadLen int) {
	if belongsToLastBurst(ext, dir, ts) {
		b := &ext.bursts[dir][ext.count[dir]]
		b.packets++
		b.bytes += uint64(payloadLen)
		b.end = ts
		return
	}
	if isLastBurstReal(ext, dir) {
		ext.count[dir]++
	}
	if ext.count[dir] < MaxBursts {
		initializeBurst(ext, dir, ts, payloadLen)
	}
}

func updateRecord(ext *Extension, pkt *flow.Packet) {
	dir := direction(pkt)
	if pkt.L4PayloadLen == 0 || ext.count[dir] >= MaxBursts {
		return
	}
	ts := pkt.Timestamp()
	if !ext.hasBursts[dir] {
		ext.hasBursts[dir] = true
		initializeBurst(ext, dir, ts, pkt.L4PayloadLen)
		return
	}
	processBurst(ext, dir, ts, pkt.L4PayloadLen)
}
