package plugin

import (
	"testing"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/options"
)

// stubAnalyzer is a minimal Analyzer used to exercise the pipeline without
// pulling in a real plugin package.
type stubAnalyzer struct {
	NoopAnalyzer
	name       string
	id         int
	preCreate  Mask
	postUpdate Mask
	fields     []string
	preExports int
}

func (s *stubAnalyzer) Name() string                   { return s.name }
func (s *stubAnalyzer) OptionsParser() *options.Parser { return options.NewParser() }
func (s *stubAnalyzer) SetExtensionID(id int)          { s.id = id }
func (s *stubAnalyzer) PreCreate(*flow.Packet) Mask    { return s.preCreate }
func (s *stubAnalyzer) PostUpdate(*flow.Record, *flow.Packet) Mask {
	return s.postUpdate
}
func (s *stubAnalyzer) IPFIXTemplateFields() []string { return s.fields }
func (s *stubAnalyzer) PreExport(*flow.Record)        { s.preExports++ }

func TestPipelineRegisterAssignsDenseIDs(t *testing.T) {
	p := New()
	a := &stubAnalyzer{name: "bstats"}
	b := &stubAnalyzer{name: "phists"}

	id1, err := p.Register(a)
	if err != nil {
		t.Fatalf("Register a: %v", err)
	}
	id2, err := p.Register(b)
	if err != nil {
		t.Fatalf("Register b: %v", err)
	}

	if id1 != 0 || id2 != 1 {
		t.Fatalf("expected dense IDs 0,1 in registration order, got %d,%d", id1, id2)
	}
	if a.id != 0 || b.id != 1 {
		t.Fatalf("expected SetExtensionID to be called with the assigned ID, got %d,%d", a.id, b.id)
	}

	gotID, ok := p.ExtensionID("phists")
	if !ok || gotID != 1 {
		t.Fatalf("expected ExtensionID(phists)=1, got %d ok=%v", gotID, ok)
	}
	if _, ok := p.ExtensionID("unknown"); ok {
		t.Fatalf("expected ExtensionID to report false for an unregistered name")
	}
}

func TestPipelineExtensionIDSpaceExhausted(t *testing.T) {
	p := New()
	for i := 0; i < flow.MaxExtensions; i++ {
		if _, err := p.Register(&stubAnalyzer{name: "a"}); err != nil {
			t.Fatalf("unexpected error registering analyzer %d: %v", i, err)
		}
	}
	if _, err := p.Register(&stubAnalyzer{name: "overflow"}); err == nil {
		t.Fatalf("expected an error once the extension ID space is exhausted")
	}
}

func TestPipelineMaskIsORedAcrossAnalyzers(t *testing.T) {
	p := New()
	p.Register(&stubAnalyzer{name: "a", preCreate: FlowFlush})
	p.Register(&stubAnalyzer{name: "b", preCreate: FlowFlushWithReinsert})

	got := p.PreCreate(&flow.Packet{})
	want := FlowFlush | FlowFlushWithReinsert
	if got != want {
		t.Fatalf("expected ORed mask %b, got %b", want, got)
	}
}

func TestPipelineAnalyzersReflectRegistrationOrder(t *testing.T) {
	p := New()
	var order []string
	first := &stubAnalyzer{name: "first"}
	second := &stubAnalyzer{name: "second"}
	p.Register(first)
	p.Register(second)

	// Analyzers() returns the same slice PostUpdate and the other callback
	// dispatchers iterate, so it must reflect registration order.
	for _, a := range p.Analyzers() {
		order = append(order, a.Name())
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected analyzers in registration order, got %v", order)
	}
}

func TestPipelinePreExportInvokesEveryAnalyzer(t *testing.T) {
	p := New()
	a := &stubAnalyzer{name: "a"}
	b := &stubAnalyzer{name: "b"}
	p.Register(a)
	p.Register(b)

	p.PreExport(&flow.Record{})

	if a.preExports != 1 || b.preExports != 1 {
		t.Fatalf("expected PreExport called once per analyzer, got a=%d b=%d", a.preExports, b.preExports)
	}
}

func TestPipelineTemplateFieldsFor(t *testing.T) {
	p := New()
	p.Register(&stubAnalyzer{name: "bstats", fields: []string{"BYTES", "PACKETS"}})
	p.Register(&stubAnalyzer{name: "phists", fields: []string{"S_PHISTS_IPT"}})

	if got := p.TemplateFieldsFor(0); len(got) != 2 || got[0] != "BYTES" {
		t.Fatalf("unexpected fields for extension 0: %v", got)
	}
	if got := p.TemplateFieldsFor(1); len(got) != 1 || got[0] != "S_PHISTS_IPT" {
		t.Fatalf("unexpected fields for extension 1: %v", got)
	}
	if got := p.TemplateFieldsFor(2); got != nil {
		t.Fatalf("expected nil fields for an out-of-range extension ID, got %v", got)
	}
	if got := p.TemplateFieldsFor(-1); got != nil {
		t.Fatalf("expected nil fields for a negative extension ID, got %v", got)
	}
}
