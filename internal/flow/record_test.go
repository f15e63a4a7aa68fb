package flow

import "testing"

func makePacket(srcPkt bool, flags uint8) *Packet {
	return &Packet{
		TimeSec:   100,
		TCPFlags:  flags,
		IPLen:     60,
		SourcePkt: srcPkt,
	}
}

func TestRecordCreateAndUpdate(t *testing.T) {
	r := &Record{}
	if !r.Empty() {
		t.Fatalf("zero-value record should be empty")
	}

	key := Key{Version: IPv4, Proto: 6}
	r.Create(key, makePacket(true, TCPFlagSYN))
	if r.Empty() {
		t.Fatalf("record should be non-empty after Create")
	}
	if r.SrcPackets != 1 || r.SrcBytes != 60 {
		t.Fatalf("unexpected counters after create: %+v", r)
	}
	if r.TimeFirstSec != 100 || r.TimeLastSec != 100 {
		t.Fatalf("expected time_first == time_last == 100, got %+v", r)
	}

	r.Update(makePacket(false, TCPFlagACK))
	if r.DstPackets != 1 || r.DstBytes != 60 {
		t.Fatalf("unexpected counters after update: %+v", r)
	}
	if r.SrcPackets < 1 || r.SrcBytes < r.SrcPackets {
		t.Fatalf("invariant violated: src_bytes must be >= src_packets")
	}
	if r.TimeFirstSec > r.TimeLastSec {
		t.Fatalf("invariant violated: time_first must be <= time_last")
	}
}

func TestRecordSawFINorRST(t *testing.T) {
	r := &Record{}
	r.Create(Key{}, makePacket(true, TCPFlagSYN))
	if r.SawFINorRST() {
		t.Fatalf("should not have seen FIN/RST yet")
	}
	r.Update(makePacket(true, TCPFlagFIN))
	if !r.SawFINorRST() {
		t.Fatalf("expected SawFINorRST true after a FIN packet")
	}
}

func TestRecordResetClearsState(t *testing.T) {
	r := &Record{}
	r.Create(Key{Version: IPv4}, makePacket(true, TCPFlagSYN))
	r.Reset()
	if !r.Empty() {
		t.Fatalf("record should be empty after Reset")
	}
	if r.Key != (Key{}) {
		t.Fatalf("expected zeroed key after Reset")
	}
}

type fakeExtension struct{ id int }

func (f *fakeExtension) SerializeIPFIX(buf []byte) ([]byte, bool) { return buf, true }
func (f *fakeExtension) TemplateFields() []string                 { return []string{"FAKE_FIELD"} }
func (f *fakeExtension) RegisteredID() int                        { return f.id }

func TestRecordExtensionLifecycle(t *testing.T) {
	r := &Record{}
	r.Create(Key{}, makePacket(true, 0))

	ext := &fakeExtension{id: 3}
	r.AddExtension(ext)

	if r.ExtensionBitmask() != 1<<3 {
		t.Fatalf("expected bit 3 set, got mask %b", r.ExtensionBitmask())
	}
	if r.Extension(3) != ext {
		t.Fatalf("expected to retrieve the same extension back")
	}
	if got := r.Extensions(); len(got) != 1 || got[0] != ext {
		t.Fatalf("expected Extensions() to return exactly the attached extension, got %v", got)
	}

	r.RemoveExtension(3)
	if r.ExtensionBitmask() != 0 {
		t.Fatalf("expected empty bitmask after removal")
	}
	if r.Extension(3) != nil {
		t.Fatalf("expected nil extension after removal")
	}
}

func TestRecordExtensionsOrdering(t *testing.T) {
	r := &Record{}
	r.Create(Key{}, makePacket(true, 0))
	r.AddExtension(&fakeExtension{id: 5})
	r.AddExtension(&fakeExtension{id: 1})

	got := r.Extensions()
	if len(got) != 2 {
		t.Fatalf("expected 2 extensions, got %d", len(got))
	}
	if got[0].RegisteredID() != 1 || got[1].RegisteredID() != 5 {
		t.Fatalf("expected ascending ID order, got %d then %d", got[0].RegisteredID(), got[1].RegisteredID())
	}
}
