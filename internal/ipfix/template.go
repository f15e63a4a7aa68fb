package ipfix

import (
	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/plugin"
)

const (
	templateSetID    = 2
	firstTemplateID  = 258
	ipfixVersion     = 10
	ipfixHeaderSize  = 16
	ipfixSetHeaderSize = 4
)

// fingerprint identifies a template by (IP version, extension-bitmask),
// per spec.md §4.3.
type fingerprint struct {
	version IPVersion
	mask    uint64
}

type IPVersion = flow.IPVersion

// template holds one assigned template ID together with the ordered field
// list it was built from, its pre-rendered template record bytes, and a
// per-template MTU-bounded accumulation buffer for data records.
type template struct {
	id     uint16
	fields []fieldSpec

	recordBytes []byte // pre-rendered template record, ready to copy into a template set
	exported    bool    // whether this template has been sent on the current transport session

	buf        []byte // accumulated data-set payload, capacity == mtu budget
	recordsInBuf int
}

// templateRegistry assigns and caches templates by fingerprint for the
// lifetime of one exporter instance. Template IDs only ever grow: a given
// (version, bitmask) pair maps to exactly one ID per spec.md §8 property 7.
type templateRegistry struct {
	pipeline *plugin.Pipeline
	byFP     map[fingerprint]*template
	nextID   uint16
}

func newTemplateRegistry(pipeline *plugin.Pipeline) *templateRegistry {
	return &templateRegistry{
		pipeline: pipeline,
		byFP:     make(map[fingerprint]*template),
		nextID:   firstTemplateID,
	}
}

func (tr *templateRegistry) get(version IPVersion, mask uint64, mtu int) *template {
	fp := fingerprint{version, mask}
	if t, ok := tr.byFP[fp]; ok {
		return t
	}

	var fields []fieldSpec
	if version == flow.IPv6 {
		fields = basicFieldsV6()
	} else {
		fields = basicFieldsV4()
	}

	// Extension-contributed fields get vendor-scoped element IDs starting
	// past the CESNET-assigned range this exporter otherwise uses, keyed
	// off the analyzer's own extension ID so two analyzers never collide.
	remaining := mask
	for remaining != 0 {
		id := trailingZeros(remaining)
		remaining &^= 1 << uint(id)
		for _, name := range tr.pipeline.TemplateFieldsFor(id) {
			fields = append(fields, fieldSpec{
				Name: name, Length: -1,
				Enterprise: EnterpriseCESNET,
				ElementID:  uint16(1000 + id),
			})
		}
	}

	t := &template{
		id:     tr.nextID,
		fields: fields,
		buf:    make([]byte, 0, mtu),
	}
	t.recordBytes = renderTemplateRecord(t.id, fields)
	tr.nextID++
	tr.byFP[fp] = t
	return t
}

func (tr *templateRegistry) markAllUnexported() {
	for _, t := range tr.byFP {
		t.exported = false
		t.recordsInBuf = 0
		t.buf = t.buf[:0]
	}
}

func (tr *templateRegistry) all() []*template {
	out := make([]*template, 0, len(tr.byFP))
	for _, t := range tr.byFP {
		out = append(out, t)
	}
	return out
}

func trailingZeros(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// renderTemplateRecord builds the template record header + field
// descriptors per spec.md §4.3: 4-byte record header (template ID, field
// count), then per field a 2-byte IE id (high bit set when enterprise-
// scoped), 2-byte length, and an optional 4-byte enterprise number.
func renderTemplateRecord(id uint16, fields []fieldSpec) []byte {
	buf := make([]byte, 0, 4+8*len(fields))
	buf = be16(buf, id)
	buf = be16(buf, uint16(len(fields)))
	for _, f := range fields {
		ieID := f.ElementID
		if f.Enterprise != EnterpriseStandard {
			ieID |= 0x8000
		}
		buf = be16(buf, ieID)
		length := f.Length
		if length < 0 {
			length = 65535 // variable-length sentinel per RFC 7011 §3.3.2
		}
		buf = be16(buf, uint16(length))
		if f.Enterprise != EnterpriseStandard {
			buf = be32(buf, f.Enterprise)
		}
	}
	return buf
}
