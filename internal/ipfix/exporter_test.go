package ipfix

import (
	"testing"

	"github.com/pavelkim/flowexporterd/internal/flow"
)

type fakeRecordExtension struct {
	id      int
	payload []byte
}

func (f *fakeRecordExtension) SerializeIPFIX(buf []byte) ([]byte, bool) {
	payload := f.payload
	if payload == nil {
		payload = []byte{0xAB, 0xCD}
	}
	return append(buf, payload...), true
}
func (f *fakeRecordExtension) TemplateFields() []string { return []string{"FAKE_HIST"} }
func (f *fakeRecordExtension) RegisteredID() int        { return f.id }

func TestSerializeRecordRendersBasicFieldsInOrder(t *testing.T) {
	rec := &flow.Record{}
	rec.Create(flow.Key{Version: flow.IPv4, Proto: 6, SrcPort: 1000, DstPort: 80}, &flow.Packet{
		TimeSec: 100, IPLen: 60, SourcePkt: true, TCPFlags: flow.TCPFlagSYN,
	})

	out := serializeRecord(rec, basicFieldsV4())

	// First field is FLOW_END_REASON (1 byte); a freshly created record
	// defaults to EndReasonActive until the cache overwrites it on export.
	// Second field is BYTES (8-byte big-endian octet count, 60 for this
	// one 60-byte packet).
	if out[0] != endReasonCode(flow.EndReasonActive) {
		t.Fatalf("expected default end reason byte, got %d", out[0])
	}
	bytesField := out[1:9]
	var got uint64
	for _, b := range bytesField {
		got = got<<8 | uint64(b)
	}
	if got != 60 {
		t.Fatalf("expected BYTES field == 60, got %d", got)
	}
}

func TestSerializeRecordPrefixesShortVarlenExtensionWithOneByteLength(t *testing.T) {
	rec := &flow.Record{}
	rec.Create(flow.Key{Version: flow.IPv4}, &flow.Packet{TimeSec: 100, SourcePkt: true})
	rec.AddExtension(&fakeRecordExtension{id: 0})

	// A single varlen field in isolation: output must be exactly
	// [length byte][payload], per RFC 7011 §7's short form (< 255 bytes).
	out := serializeRecord(rec, []fieldSpec{{Name: "FAKE_HIST", Length: -1}})

	want := []byte{0x02, 0xAB, 0xCD}
	if len(out) != len(want) {
		t.Fatalf("expected %d bytes (1 length octet + 2 payload), got %d: %v", len(want), len(out), out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d: got 0x%02x, want 0x%02x (full record %v)", i, out[i], want[i], out)
		}
	}
}

func TestSerializeRecordPrefixesLongVarlenExtensionWithEscapeForm(t *testing.T) {
	rec := &flow.Record{}
	rec.Create(flow.Key{Version: flow.IPv4}, &flow.Packet{TimeSec: 100, SourcePkt: true})
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	rec.AddExtension(&fakeRecordExtension{id: 0, payload: payload})

	out := serializeRecord(rec, []fieldSpec{{Name: "FAKE_HIST", Length: -1}})

	if out[0] != 0xFF {
		t.Fatalf("expected the 0xFF escape octet for a payload >= 255 bytes, got 0x%02x", out[0])
	}
	gotLen := int(out[1])<<8 | int(out[2])
	if gotLen != len(payload) {
		t.Fatalf("expected the 2-byte escaped length to equal %d, got %d", len(payload), gotLen)
	}
	if len(out) != 3+len(payload) {
		t.Fatalf("expected 3-byte escape header + payload, got %d bytes total", len(out))
	}
	for i, b := range payload {
		if out[3+i] != b {
			t.Fatalf("payload byte %d mismatch after the escape header", i)
		}
	}
}

func TestSerializeRecordIncludesExtensionFieldAfterBasicFields(t *testing.T) {
	rec := &flow.Record{}
	rec.Create(flow.Key{Version: flow.IPv4}, &flow.Packet{TimeSec: 100, SourcePkt: true})
	rec.AddExtension(&fakeRecordExtension{id: 0})

	fields := append(basicFieldsV4(), fieldSpec{Name: "FAKE_HIST", Length: -1})
	out := serializeRecord(rec, fields)

	// Length prefix (1 byte) + payload (2 bytes) trail the fixed fields.
	if len(out) < 3 || out[len(out)-3] != 0x02 || out[len(out)-2] != 0xAB || out[len(out)-1] != 0xCD {
		t.Fatalf("expected a length-prefixed extension payload at the tail, got %v", out[max(0, len(out)-3):])
	}
}

func TestExtensionForFindsByFieldName(t *testing.T) {
	rec := &flow.Record{}
	rec.Create(flow.Key{}, &flow.Packet{SourcePkt: true})
	ext := &fakeRecordExtension{id: 2}
	rec.AddExtension(ext)

	if got := extensionFor(rec, "FAKE_HIST"); got != ext {
		t.Fatalf("expected extensionFor to locate the attached extension by field name")
	}
	if got := extensionFor(rec, "NO_SUCH_FIELD"); got != nil {
		t.Fatalf("expected nil for an unknown field name, got %v", got)
	}
}

func TestExporterFlushWithNoTemplatesIsNoop(t *testing.T) {
	e := &Exporter{registry: newTemplateRegistry(nil)}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush on an empty registry should be a no-op, got %v", err)
	}
}
