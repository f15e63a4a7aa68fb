package ipfix

import (
	"testing"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/options"
	"github.com/pavelkim/flowexporterd/internal/plugin"
)

func TestTemplateRegistryAssignsStableIDsPerFingerprint(t *testing.T) {
	tr := newTemplateRegistry(plugin.New())

	t1 := tr.get(flow.IPv4, 0, DefaultMTU)
	t2 := tr.get(flow.IPv4, 0, DefaultMTU)
	if t1 != t2 {
		t.Fatalf("expected the same (version, mask) pair to return the same template")
	}

	t3 := tr.get(flow.IPv6, 0, DefaultMTU)
	if t3.id == t1.id {
		t.Fatalf("expected a distinct template ID for a different IP version")
	}

	t4 := tr.get(flow.IPv4, 1, DefaultMTU)
	if t4.id == t1.id {
		t.Fatalf("expected a distinct template ID for a different extension bitmask")
	}
}

func TestTemplateRegistryIDsOnlyGrow(t *testing.T) {
	tr := newTemplateRegistry(plugin.New())
	first := tr.get(flow.IPv4, 0, DefaultMTU).id
	second := tr.get(flow.IPv6, 0, DefaultMTU).id
	third := tr.get(flow.IPv4, 3, DefaultMTU).id

	if !(first < second && second < third) {
		t.Fatalf("expected strictly increasing template IDs, got %d, %d, %d", first, second, third)
	}
	if first != firstTemplateID {
		t.Fatalf("expected the first assigned ID to be %d, got %d", firstTemplateID, first)
	}
}

func TestTemplateRegistryAppendsExtensionFields(t *testing.T) {
	p := plugin.New()
	p.Register(&fieldOnlyAnalyzer{name: "bstats", fields: []string{"BYTES_HIST"}})

	tr := newTemplateRegistry(p)
	base := tr.get(flow.IPv4, 0, DefaultMTU)
	withExt := tr.get(flow.IPv4, 1, DefaultMTU)

	if len(withExt.fields) != len(base.fields)+1 {
		t.Fatalf("expected exactly one extra field for mask bit 0, got %d vs base %d", len(withExt.fields), len(base.fields))
	}
	last := withExt.fields[len(withExt.fields)-1]
	if last.Name != "BYTES_HIST" || last.Enterprise != EnterpriseCESNET || last.ElementID != 1000 {
		t.Fatalf("unexpected extension field descriptor: %+v", last)
	}
}

func TestTemplateRegistryMarkAllUnexportedResetsBuffers(t *testing.T) {
	tr := newTemplateRegistry(plugin.New())
	tpl := tr.get(flow.IPv4, 0, DefaultMTU)
	tpl.exported = true
	tpl.buf = append(tpl.buf, 1, 2, 3)
	tpl.recordsInBuf = 1

	tr.markAllUnexported()

	if tpl.exported {
		t.Fatalf("expected exported to be reset to false")
	}
	if len(tpl.buf) != 0 || tpl.recordsInBuf != 0 {
		t.Fatalf("expected buffer and record count to be reset, got buf=%v count=%d", tpl.buf, tpl.recordsInBuf)
	}
}

func TestRenderTemplateRecordFieldCountAndEnterpriseBit(t *testing.T) {
	fields := []fieldSpec{
		{Name: "BYTES", Enterprise: EnterpriseStandard, ElementID: ieOctetDeltaCount, Length: 8},
		{Name: "BYTES_REV", Enterprise: EnterpriseReverse, ElementID: ieOctetDeltaCount, Length: 8},
	}
	buf := renderTemplateRecord(firstTemplateID, fields)

	gotID := uint16(buf[0])<<8 | uint16(buf[1])
	if gotID != firstTemplateID {
		t.Fatalf("expected template ID %d in header, got %d", firstTemplateID, gotID)
	}
	gotCount := uint16(buf[2])<<8 | uint16(buf[3])
	if gotCount != 2 {
		t.Fatalf("expected field count 2, got %d", gotCount)
	}

	// Standard field: 4-byte descriptor (no enterprise number, high bit clear).
	firstIE := uint16(buf[4])<<8 | uint16(buf[5])
	if firstIE&0x8000 != 0 {
		t.Fatalf("expected the standard field's enterprise bit to be clear")
	}

	// Reverse field: high bit set and a trailing 4-byte enterprise number.
	secondIE := uint16(buf[8])<<8 | uint16(buf[9])
	if secondIE&0x8000 == 0 {
		t.Fatalf("expected the enterprise-scoped field's high bit to be set")
	}
	if len(buf) != 4+4+8 {
		t.Fatalf("expected 4-byte header + 4-byte standard descriptor + 8-byte enterprise-scoped descriptor, got %d bytes", len(buf))
	}
}

func TestEndReasonCodeMapping(t *testing.T) {
	cases := []struct {
		reason flow.EndReason
		want   byte
	}{
		{flow.EndReasonInactive, 0x01},
		{flow.EndReasonActive, 0x02},
		{flow.EndReasonEOF, 0x03},
		{flow.EndReasonForced, 0x04},
		{flow.EndReasonNoRes, 0x05},
	}
	for _, c := range cases {
		if got := endReasonCode(c.reason); got != c.want {
			t.Fatalf("endReasonCode(%v) = 0x%02x, want 0x%02x", c.reason, got, c.want)
		}
	}
}

// fieldOnlyAnalyzer is a minimal plugin.Analyzer stub that contributes a
// fixed set of template field names, for exercising extension-field
// appending without pulling in a real analyzer package.
type fieldOnlyAnalyzer struct {
	plugin.NoopAnalyzer
	name   string
	fields []string
}

func (f *fieldOnlyAnalyzer) Name() string                  { return f.name }
func (f *fieldOnlyAnalyzer) OptionsParser() *options.Parser { return options.NewParser() }
func (f *fieldOnlyAnalyzer) IPFIXTemplateFields() []string { return f.fields }
