// Package plugin implements the analyzer lifecycle contract the cache
// drives on every packet: ordered registration, dense extension-ID
// allocation, and the FLOW_FLUSH / FLOW_FLUSH_WITH_REINSERT return-mask
// protocol, grounded on the original ProcessPlugin interface
// (process/*.cpp) and its constructor-based registry, here replaced with
// an explicit registration call per the re-architecture notes.
package plugin

import (
	"fmt"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/options"
)

// Mask bits returned by lifecycle callbacks.
type Mask uint8

const (
	MaskNone Mask = 0
	// FlowFlush exports the flow now with reason FORCED.
	FlowFlush Mask = 1 << 0
	// FlowFlushWithReinsert exports the flow now, then re-creates a new
	// flow in the same slot from the packet that triggered the flush.
	FlowFlushWithReinsert Mask = 1 << 1
)

// Analyzer is the interface every plugin implements. Unimplemented
// callbacks are no-ops; embed NoopAnalyzer to get defaults for free.
type Analyzer interface {
	Name() string
	OptionsParser() *options.Parser
	Init(initString string) error
	Close()

	PreCreate(pkt *flow.Packet) Mask
	PostCreate(rec *flow.Record, pkt *flow.Packet) Mask
	PreUpdate(rec *flow.Record, pkt *flow.Packet) Mask
	PostUpdate(rec *flow.Record, pkt *flow.Packet) Mask
	PreExport(rec *flow.Record)

	// ExtensionPrototype returns a fresh, empty extension value, or nil
	// if this analyzer does not attach one (a pure observer plugin).
	ExtensionPrototype() flow.Extension
	// IPFIXTemplateFields returns, in wire order, the field names this
	// analyzer's extension contributes to a template.
	IPFIXTemplateFields() []string
}

// NoopAnalyzer gives every lifecycle callback a do-nothing default; embed
// it in a concrete analyzer and override only what's needed.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Init(string) error                                 { return nil }
func (NoopAnalyzer) Close()                                            {}
func (NoopAnalyzer) PreCreate(*flow.Packet) Mask                       { return MaskNone }
func (NoopAnalyzer) PostCreate(*flow.Record, *flow.Packet) Mask        { return MaskNone }
func (NoopAnalyzer) PreUpdate(*flow.Record, *flow.Packet) Mask         { return MaskNone }
func (NoopAnalyzer) PostUpdate(*flow.Record, *flow.Packet) Mask        { return MaskNone }
func (NoopAnalyzer) PreExport(*flow.Record)                            {}
func (NoopAnalyzer) ExtensionPrototype() flow.Extension                { return nil }
func (NoopAnalyzer) IPFIXTemplateFields() []string                     { return nil }

// Pipeline owns the ordered set of registered analyzers and the dense
// extension-ID assignment each one receives.
type Pipeline struct {
	analyzers []Analyzer
	ids       map[string]int
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{ids: make(map[string]int)}
}

// IDReceiver is implemented by analyzers that need to know their own
// assigned extension ID, typically to stamp it onto the extension values
// they attach to records. Register calls SetExtensionID once, right after
// allocating the ID.
type IDReceiver interface {
	SetExtensionID(id int)
}

// Register appends an analyzer, allocating it the next dense extension ID.
// Order is significant: callbacks run in registration order, and that order
// is part of the deployment's configuration surface.
func (p *Pipeline) Register(a Analyzer) (extensionID int, err error) {
	if len(p.analyzers) >= flow.MaxExtensions {
		return 0, fmt.Errorf("plugin: extension ID space exhausted (max %d)", flow.MaxExtensions)
	}
	id := len(p.analyzers)
	if r, ok := a.(IDReceiver); ok {
		r.SetExtensionID(id)
	}
	p.analyzers = append(p.analyzers, a)
	p.ids[a.Name()] = id
	return id, nil
}

// ExtensionID returns the ID assigned to a registered analyzer by name.
func (p *Pipeline) ExtensionID(name string) (int, bool) {
	id, ok := p.ids[name]
	return id, ok
}

// Analyzers returns the registered analyzers in registration order.
func (p *Pipeline) Analyzers() []Analyzer {
	return p.analyzers
}

// PreCreate runs every analyzer's PreCreate callback in order and ORs the
// returned masks together.
func (p *Pipeline) PreCreate(pkt *flow.Packet) Mask {
	var m Mask
	for _, a := range p.analyzers {
		m |= a.PreCreate(pkt)
	}
	return m
}

// PostCreate invokes every analyzer's PostCreate callback on a freshly
// created record. An analyzer that wants to attach an extension does so
// itself, by calling rec.AddExtension from within its own PostCreate.
func (p *Pipeline) PostCreate(rec *flow.Record, pkt *flow.Packet) Mask {
	var m Mask
	for _, a := range p.analyzers {
		m |= a.PostCreate(rec, pkt)
	}
	return m
}

// PreUpdate runs every analyzer's PreUpdate callback before the cache
// applies its own counter update.
func (p *Pipeline) PreUpdate(rec *flow.Record, pkt *flow.Packet) Mask {
	var m Mask
	for _, a := range p.analyzers {
		m |= a.PreUpdate(rec, pkt)
	}
	return m
}

// PostUpdate runs every analyzer's PostUpdate callback after the cache's
// counter update.
func (p *Pipeline) PostUpdate(rec *flow.Record, pkt *flow.Packet) Mask {
	var m Mask
	for _, a := range p.analyzers {
		m |= a.PostUpdate(rec, pkt)
	}
	return m
}

// PreExport runs every analyzer's PreExport callback just before the
// record is handed to the ring.
func (p *Pipeline) PreExport(rec *flow.Record) {
	for _, a := range p.analyzers {
		a.PreExport(rec)
	}
}

// TemplateFieldsFor returns the ordered field names contributed by the
// analyzer registered at extensionID.
func (p *Pipeline) TemplateFieldsFor(extensionID int) []string {
	if extensionID < 0 || extensionID >= len(p.analyzers) {
		return nil
	}
	return p.analyzers[extensionID].IPFIXTemplateFields()
}
