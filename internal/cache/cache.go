// Package cache implements the set-associative flow table: a bounded hash
// table of cache_size slots arranged as cache_size/line_size lines, with
// LRU-within-line promotion, biflow folding, incremental inactive-timeout
// sweep and analyzer-driven flush/reinsert semantics.
//
// Grounded on storage/cache.cpp's NHTFlowCache: the line-mask derivation,
// the right-shift-to-head promotion on hit, the line_size/2 "new entry"
// insertion point, the half-line-per-call incremental sweep, and the
// SYN-after-close fast path are all carried over unchanged in meaning.
package cache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/metrics"
	"github.com/pavelkim/flowexporterd/internal/options"
	"github.com/pavelkim/flowexporterd/internal/plugin"
)

const (
	DefaultCacheSizeExp  = 17 // 2^17 slots
	DefaultLineSizeExp   = 4  // 2^4 = 16-way associativity
	DefaultActiveTimeout = 300
	DefaultInactiveTimeout = 30
)

// Exporter is the downstream consumer a completed flow is handed to. The
// cache must not read the record after a successful call to Export.
type Exporter interface {
	Export(rec *flow.Record) error
}

// Stats tracks cache-level counters surfaced through internal/metrics.
type Stats struct {
	Created      uint64
	Exported     uint64
	DroppedNoRes uint64
	DroppedKey   uint64
	EOFExports   uint64
	ActiveExports uint64
	InactiveExports uint64
	ForcedExports uint64
}

// Cache is the set-associative flow table. It is not safe for concurrent
// use: the concurrency model gives it exactly one owning goroutine.
type Cache struct {
	lineSize    uint64
	lineMask    uint64
	lineNewIdx  uint64
	cacheSize   uint64

	activeTimeout   int64 // seconds
	inactiveTimeout int64 // seconds
	splitBiflow     bool

	slots []*flow.Record // cacheSize live slots, line-major order
	free  []*flow.Record // spare records returned through release, reused by nextFree

	hashes []uint64 // parallel to slots; forward hash stored per slot, 0 = empty

	timeoutIdx uint64 // round-robin cursor for the incremental sweep

	pipeline *plugin.Pipeline
	exporter Exporter
	stats    Stats
	m        *metrics.Metrics
}

// Options registers the cache's declarative init-string keys: size, line,
// active, inactive, split-biflow — matching CacheOptParser's option names.
func Options() *options.Parser {
	p := options.NewParser()
	p.Register(options.Opt{Name: "size", Kind: options.Int, Default: fmt.Sprint(DefaultCacheSizeExp), Exponent: true})
	p.Register(options.Opt{Name: "line", Kind: options.Int, Default: fmt.Sprint(DefaultLineSizeExp), Exponent: true})
	p.Register(options.Opt{Name: "active", Kind: options.Int, Default: fmt.Sprint(DefaultActiveTimeout)})
	p.Register(options.Opt{Name: "inactive", Kind: options.Int, Default: fmt.Sprint(DefaultInactiveTimeout)})
	p.Register(options.Opt{Name: "split-biflow", Kind: options.Bool, Default: "false"})
	return p
}

// New builds a cache from a resolved options.Parser (see Options) and wires
// it to a plugin pipeline and a downstream exporter. m may be nil in tests
// that don't care about Prometheus counters.
func New(opts *options.Parser, pipeline *plugin.Pipeline, exporter Exporter, m *metrics.Metrics) (*Cache, error) {
	cacheSize := opts.Exponent("size")
	lineSize := opts.Exponent("line")

	if cacheSize < lineSize {
		return nil, fmt.Errorf("cache: size (%d) must be >= line (%d)", cacheSize, lineSize)
	}
	if lineSize < 2 {
		return nil, fmt.Errorf("cache: line must be >= 2, got %d", lineSize)
	}

	c := &Cache{
		lineSize:        lineSize,
		lineMask:        (cacheSize - 1) &^ (lineSize - 1),
		lineNewIdx:      lineSize / 2,
		cacheSize:       cacheSize,
		activeTimeout:   opts.Int("active"),
		inactiveTimeout: opts.Int("inactive"),
		splitBiflow:     opts.Bool("split-biflow"),
		slots:           make([]*flow.Record, cacheSize),
		hashes:          make([]uint64, cacheSize),
		pipeline:        pipeline,
		exporter:        exporter,
		m:               m,
	}
	for i := range c.slots {
		c.slots[i] = &flow.Record{}
	}
	return c, nil
}

// lineIndex returns the index of the first slot of the line a hash maps to.
func (c *Cache) lineIndex(hash uint64) uint64 {
	return hash & c.lineMask
}

func hashKey(k flow.Key) uint64 {
	var buf [40]byte
	buf[0] = byte(k.Version)
	buf[1] = k.Proto
	copy(buf[2:18], k.SrcIP[:])
	copy(buf[18:34], k.DstIP[:])
	buf[34] = byte(k.SrcPort >> 8)
	buf[35] = byte(k.SrcPort)
	buf[36] = byte(k.DstPort >> 8)
	buf[37] = byte(k.DstPort)
	return xxhash.Sum64(buf[:38])
}

// Put folds one packet into the cache. It is the single entry point the
// concurrency model requires: everything downstream, including the
// recursive re-entries for SYN-after-close, timeout eviction and flush-
// with-reinsert, happens synchronously within this call.
func (c *Cache) Put(pkt *flow.Packet) error {
	key, ok := flow.KeyFromPacket(pkt)
	if !ok {
		c.stats.DroppedKey++
		if c.m != nil {
			c.m.DroppedKey.Inc()
		}
		return nil
	}

	if c.pipeline.PreCreate(pkt) != plugin.MaskNone {
		// pre_create has no veto power in this spec; the mask is
		// observed for forward compatibility only.
	}

	if err := c.put(key, pkt); err != nil {
		return err
	}

	return c.sweep(pkt.TimeSec)
}

func (c *Cache) put(key flow.Key, pkt *flow.Packet) error {
	hash := hashKey(key)
	line := c.lineIndex(hash)

	if idx, found := c.scanLine(line, hash); found {
		pkt.SourcePkt = true
		return c.hit(line, idx, pkt)
	}

	if !c.splitBiflow {
		inv := key.Inverse()
		invHash := hashKey(inv)
		invLine := c.lineIndex(invHash)
		if idx, found := c.scanLine(invLine, invHash); found {
			pkt.SourcePkt = false
			return c.hit(invLine, idx, pkt)
		}
	}

	return c.miss(line, hash, key, pkt)
}

// scanLine linearly scans one line for a slot carrying the given hash.
func (c *Cache) scanLine(line, hash uint64) (idx uint64, found bool) {
	for i := uint64(0); i < c.lineSize; i++ {
		pos := line + i
		if c.hashes[pos] == hash && !c.slots[pos].Empty() {
			return pos, true
		}
	}
	return 0, false
}

// hit promotes the matched slot to the head of its line (LRU-within-line)
// and dispatches to the update path.
func (c *Cache) hit(line, idx uint64, pkt *flow.Packet) error {
	// Right-shift every record between the line head and the hit index
	// down by one slot, then place the hit record at the head. This is
	// the in-place promotion storage/cache.cpp performs on a cache hit.
	hitRec := c.slots[idx]
	hitHash := c.hashes[idx]
	for i := idx; i > line; i-- {
		c.slots[i] = c.slots[i-1]
		c.hashes[i] = c.hashes[i-1]
	}
	c.slots[line] = hitRec
	c.hashes[line] = hitHash

	return c.updateExisting(line, pkt)
}

// miss finds the first empty slot in the line, or evicts the tail under
// pressure, and creates a new flow at the appropriate position.
func (c *Cache) miss(line, hash uint64, key flow.Key, pkt *flow.Packet) error {
	tail := line + c.lineSize - 1
	// The first packet of a new flow defines its canonical direction.
	pkt.SourcePkt = true

	for i := uint64(0); i < c.lineSize; i++ {
		pos := line + i
		if c.slots[pos].Empty() {
			c.slots[pos].Create(key, pkt)
			c.hashes[pos] = hash
			c.stats.Created++
			if c.m != nil {
				c.m.FlowsCreated.Inc()
			}
			return c.afterCreate(pos, pkt)
		}
	}

	// Line full: evict the tail under NO_RES pressure, then insert the
	// new flow at line_size/2 to protect recent heavy hitters from a
	// burst of one-shot flows.
	if err := c.exportSlot(tail, flow.EndReasonNoRes); err != nil {
		return err
	}

	newPos := line + c.lineNewIdx
	evicted := c.slots[tail]
	for i := tail; i > newPos; i-- {
		c.slots[i] = c.slots[i-1]
		c.hashes[i] = c.hashes[i-1]
	}
	evicted.Reset()
	c.slots[newPos] = evicted
	c.hashes[newPos] = hash
	c.slots[newPos].Create(key, pkt)
	c.stats.Created++
	if c.m != nil {
		c.m.FlowsCreated.Inc()
	}
	return c.afterCreate(newPos, pkt)
}

func (c *Cache) afterCreate(idx uint64, pkt *flow.Packet) error {
	pkt.SourcePkt = true
	mask := c.pipeline.PostCreate(c.slots[idx], pkt)
	if mask&plugin.FlowFlush != 0 {
		return c.exportSlot(idx, flow.EndReasonForced)
	}
	if mask&plugin.FlowFlushWithReinsert != 0 {
		return c.flushWithReinsert(idx, pkt)
	}
	return nil
}

// updateExisting applies the full Update sequence from spec.md §4.1 step 7:
// SYN-after-close fast path, inactive check, pre_update/counters/post_update
// with flush handling, then the active-timeout check.
func (c *Cache) updateExisting(line uint64, pkt *flow.Packet) error {
	rec := c.slots[line]

	// SYN-after-close: a SYN on a 5-tuple whose matching direction's
	// flags already show FIN or RST starts a brand new session.
	var dirFlags uint8
	if pkt.SourcePkt {
		dirFlags = rec.SrcTCPFlags
	} else {
		dirFlags = rec.DstTCPFlags
	}
	if pkt.TCPFlags&flow.TCPFlagSYN != 0 && dirFlags&(flow.TCPFlagFIN|flow.TCPFlagRST) != 0 {
		key := rec.Key
		if err := c.exportSlot(line, flow.EndReasonEOF); err != nil {
			return err
		}
		return c.put(key, pkt)
	}

	if pkt.TimeSec-rec.TimeLastSec >= c.inactiveTimeout {
		reason := flow.EndReasonInactive
		if rec.SawFINorRST() {
			reason = flow.EndReasonEOF
		}
		key := rec.Key
		if err := c.exportSlot(line, reason); err != nil {
			return err
		}
		return c.put(key, pkt)
	}

	mask := c.pipeline.PreUpdate(rec, pkt)
	if mask&plugin.FlowFlushWithReinsert != 0 {
		return c.flushWithReinsert(line, pkt)
	}
	if mask&plugin.FlowFlush != 0 {
		if err := c.exportSlot(line, flow.EndReasonForced); err != nil {
			return err
		}
		return nil
	}

	rec.Update(pkt)

	mask = c.pipeline.PostUpdate(rec, pkt)
	if mask&plugin.FlowFlushWithReinsert != 0 {
		return c.flushWithReinsert(line, pkt)
	}
	if mask&plugin.FlowFlush != 0 {
		return c.exportSlot(line, flow.EndReasonForced)
	}

	if pkt.TimeSec-rec.TimeFirstSec >= c.activeTimeout {
		return c.exportSlot(line, flow.EndReasonActive)
	}
	return nil
}

// flushWithReinsert force-exports the current flow, then re-creates a new
// one in the same slot from the packet that triggered the flush, running
// post_create again. A recursive FLOW_FLUSH from that post_create is
// honored in turn.
func (c *Cache) flushWithReinsert(idx uint64, pkt *flow.Packet) error {
	key := c.slots[idx].Key
	if err := c.exportSlot(idx, flow.EndReasonForced); err != nil {
		return err
	}
	hash := hashKey(key)
	c.slots[idx].Create(key, pkt)
	c.hashes[idx] = hash
	c.stats.Created++
	return c.afterCreate(idx, pkt)
}

// exportSlot hands the record at idx to the pipeline's pre_export callback
// and then the exporter, swapping in an empty record from nextFree so the
// slot is immediately reusable. There is no preallocated staging area:
// nextFree allocates a new record whenever the free pool is empty.
func (c *Cache) exportSlot(idx uint64, reason flow.EndReason) error {
	rec := c.slots[idx]
	rec.EndReason = reason
	c.pipeline.PreExport(rec)

	c.bumpReasonStat(reason)
	c.stats.Exported++

	if err := c.exporter.Export(rec); err != nil {
		return fmt.Errorf("cache: export failed: %w", err)
	}

	fresh := c.nextFree()
	c.slots[idx] = fresh
	c.hashes[idx] = 0
	return nil
}

func (c *Cache) bumpReasonStat(reason flow.EndReason) {
	switch reason {
	case flow.EndReasonEOF:
		c.stats.EOFExports++
	case flow.EndReasonActive:
		c.stats.ActiveExports++
	case flow.EndReasonInactive:
		c.stats.InactiveExports++
	case flow.EndReasonForced:
		c.stats.ForcedExports++
	case flow.EndReasonNoRes:
		c.stats.DroppedNoRes++
		if c.m != nil {
			c.m.DroppedNoRes.Inc()
		}
	}
	if c.m != nil {
		c.m.FlowsExported.Inc()
	}
}

// nextFree returns an empty record to drop into a freed slot. The record
// handed off to the exporter is never reused directly: ownership of that
// backing storage moved to the ring.
func (c *Cache) nextFree() *flow.Record {
	if n := len(c.free); n > 0 {
		r := c.free[n-1]
		c.free = c.free[:n-1]
		r.Reset()
		return r
	}
	return &flow.Record{}
}

// release returns a record to the free pool for reuse by nextFree. Nothing
// in this repository calls it, so the pool stays empty and every export
// allocates a new record.
func (c *Cache) release(r *flow.Record) {
	c.free = append(c.free, r)
}

// sweep examines one half-line's worth of slots, round-robin across the
// whole table, and exports any whose inactive deadline has passed. Called
// once per packet processed, bounding worst-case export latency to one
// full pass over the table.
func (c *Cache) sweep(now int64) error {
	span := c.lineNewIdx
	if span == 0 {
		span = 1
	}
	for i := uint64(0); i < span; i++ {
		idx := (c.timeoutIdx + i) % c.cacheSize
		rec := c.slots[idx]
		if rec.Empty() {
			continue
		}
		if now-rec.TimeLastSec >= c.inactiveTimeout {
			reason := flow.EndReasonInactive
			if rec.SawFINorRST() {
				reason = flow.EndReasonEOF
			}
			if err := c.exportSlot(idx, reason); err != nil {
				return err
			}
		}
	}
	c.timeoutIdx = (c.timeoutIdx + span) % c.cacheSize
	return nil
}

// Finish exports every non-empty slot with reason FORCED, used on
// shutdown.
func (c *Cache) Finish() error {
	for idx := uint64(0); idx < c.cacheSize; idx++ {
		if !c.slots[idx].Empty() {
			if err := c.exportSlot(idx, flow.EndReasonForced); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats returns a snapshot of cache-level counters.
func (c *Cache) Stats() Stats {
	return c.stats
}
