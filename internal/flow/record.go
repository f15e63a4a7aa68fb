package flow

// EndReason records why a flow was exported.
type EndReason uint8

const (
	EndReasonActive EndReason = iota
	EndReasonInactive
	EndReasonEOF
	EndReasonForced
	EndReasonNoRes
)

func (r EndReason) String() string {
	switch r {
	case EndReasonActive:
		return "ACTIVE"
	case EndReasonInactive:
		return "INACTIVE"
	case EndReasonEOF:
		return "EOF"
	case EndReasonForced:
		return "FORCED"
	case EndReasonNoRes:
		return "NO_RES"
	default:
		return "UNKNOWN"
	}
}

// Extension is the capability set a per-flow analyzer value implements.
// The cache never inspects an extension's payload; it only stores it under
// the analyzer's registered ID and hands it to the exporter on export.
type Extension interface {
	// SerializeIPFIX appends the wire-encoded extension fields to buf and
	// returns the new slice. ok is false when the extension does not fit
	// in the remaining space; the caller must flush and retry into a
	// fresh buffer.
	SerializeIPFIX(buf []byte) (out []byte, ok bool)

	// TemplateFields returns, in wire order, the field names this
	// extension contributes to an IPFIX template.
	TemplateFields() []string

	// RegisteredID returns the analyzer's extension ID.
	RegisteredID() int
}

// Record is a live flow entry owned exclusively by the cache's single
// packet-handling goroutine. Only counters and extensions mutate after
// creation; the key, direction MACs and version never change.
type Record struct {
	Key Key

	SrcMAC [6]byte
	DstMAC [6]byte

	TimeFirstSec  int64
	TimeFirstUsec int64
	TimeLastSec   int64
	TimeLastUsec  int64

	SrcPackets uint64
	SrcBytes   uint64
	DstPackets uint64
	DstBytes   uint64

	SrcTCPFlags uint8
	DstTCPFlags uint8

	InputInterface uint32

	EndReason EndReason

	extensions [MaxExtensions]Extension
	// present tracks which slots of extensions are occupied, so a
	// fingerprint can be computed without scanning for nil.
	present uint64
}

// Reset clears a record to its zero value while keeping the backing array
// allocation, so a cache slot can be reused without a fresh allocation.
func (r *Record) Reset() {
	*r = Record{}
}

// Empty reports whether the slot holds no live flow. A record is empty
// until Create populates it, and becomes empty again once Reset runs after
// export.
func (r *Record) Empty() bool {
	return r.SrcPackets == 0 && r.DstPackets == 0
}

// Create populates a freshly allocated (or reused) record from the first
// packet of a new flow.
func (r *Record) Create(key Key, p *Packet) {
	r.Key = key
	r.SrcMAC = p.SrcMAC
	r.DstMAC = p.DstMAC
	r.TimeFirstSec, r.TimeFirstUsec = p.TimeSec, p.TimeUsec
	r.TimeLastSec, r.TimeLastUsec = p.TimeSec, p.TimeUsec
	r.InputInterface = p.InputInterface
	r.EndReason = EndReasonActive
	r.present = 0
	r.extensions = [MaxExtensions]Extension{}
	r.applyCounters(p)
}

// Update folds a packet belonging to an already-live flow into its
// counters and refreshes time_last.
func (r *Record) Update(p *Packet) {
	r.TimeLastSec, r.TimeLastUsec = p.TimeSec, p.TimeUsec
	r.applyCounters(p)
}

func (r *Record) applyCounters(p *Packet) {
	if p.SourcePkt {
		r.SrcPackets++
		r.SrcBytes += uint64(p.IPLen)
		r.SrcTCPFlags |= p.TCPFlags
	} else {
		r.DstPackets++
		r.DstBytes += uint64(p.IPLen)
		r.DstTCPFlags |= p.TCPFlags
	}
}

// CombinedTCPFlags ORs both directions' accumulated flags, used to decide
// end-reason precedence (EOF overrides INACTIVE once FIN or RST was seen).
func (r *Record) CombinedTCPFlags() uint8 {
	return r.SrcTCPFlags | r.DstTCPFlags
}

// SawFINorRST reports whether FIN or RST has ever been observed in either
// direction of the flow.
func (r *Record) SawFINorRST() bool {
	flags := r.CombinedTCPFlags()
	return flags&(TCPFlagFIN|TCPFlagRST) != 0
}

// AddExtension attaches ext under its own registered ID. An analyzer may
// hold at most one extension per flow unless it explicitly supports
// multiples, which this dense single-slot-per-ID array does not model —
// multi-instance analyzers are out of scope for this pipeline.
func (r *Record) AddExtension(ext Extension) {
	id := ext.RegisteredID()
	r.extensions[id] = ext
	r.present |= 1 << uint(id)
}

// Extension returns the extension registered under id, or nil if absent.
func (r *Record) Extension(id int) Extension {
	return r.extensions[id]
}

// RemoveExtension drops the extension registered under id, if present.
func (r *Record) RemoveExtension(id int) {
	r.extensions[id] = nil
	r.present &^= 1 << uint(id)
}

// ExtensionBitmask returns the bitmask of registered IDs currently attached,
// used by the exporter to compute a template fingerprint.
func (r *Record) ExtensionBitmask() uint64 {
	return r.present
}

// Extensions returns the attached extensions in ascending ID order.
func (r *Record) Extensions() []Extension {
	out := make([]Extension, 0, 4)
	mask := r.present
	for mask != 0 {
		id := trailingZeros64(mask)
		out = append(out, r.extensions[id])
		mask &^= 1 << uint(id)
	}
	return out
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
