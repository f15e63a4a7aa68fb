package cache

import "github.com/pavelkim/flowexporterd/internal/flow"

// HookRunner is the subset of internal/hook.Chain the fan-out exporter
// needs; kept as an interface here so this package doesn't depend on
// internal/hook.
type HookRunner interface {
	Run(rec *flow.Record)
}

// FanOut hands every exported record to an IPFIX (or other primary)
// exporter, any number of secondary sinks, and an optional hook chain. The
// primary exporter's error is the one propagated; secondary sinks and hooks
// are best-effort side channels, matching the specification's framing of
// text/hook/legacy-protocol output as auxiliary to the record hand-off
// interface rather than part of the core.
type FanOut struct {
	Primary     Exporter
	Secondaries []Exporter
	Hooks       HookRunner
}

func (f *FanOut) Export(rec *flow.Record) error {
	err := f.Primary.Export(rec)
	for _, s := range f.Secondaries {
		_ = s.Export(rec)
	}
	if f.Hooks != nil {
		f.Hooks.Run(rec)
	}
	return err
}
