// Package metrics exposes the Prometheus counters the cache and exporter
// increment on the hot path, grounded on how DataDog's netflow
// aggregator and Comcast/trickster surface prometheus/client_golang
// counters next to their own eviction/expiry and flush loops.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter this daemon exports.
type Metrics struct {
	FlowsCreated   prometheus.Counter
	FlowsExported  prometheus.Counter
	DroppedNoRes   prometheus.Counter
	DroppedKey     prometheus.Counter

	DroppedExporterBackoff prometheus.Counter
	DroppedOversizeRecord  prometheus.Counter
	RecordsQueued          prometheus.Counter
	ExporterReconnects     prometheus.Counter

	DroppedRingFull prometheus.Counter
}

// New registers every counter against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "cache", Name: "flows_created_total",
			Help: "Number of flow records created.",
		}),
		FlowsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "cache", Name: "flows_exported_total",
			Help: "Number of flow records exported, across all end reasons.",
		}),
		DroppedNoRes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "cache", Name: "dropped_no_res_total",
			Help: "Number of flows evicted under line pressure.",
		}),
		DroppedKey: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "cache", Name: "dropped_key_total",
			Help: "Number of packets dropped at key construction (unsupported IP version).",
		}),
		DroppedExporterBackoff: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "ipfix", Name: "dropped_backoff_total",
			Help: "Number of flows dropped while the exporter is in reconnect back-off.",
		}),
		DroppedOversizeRecord: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "ipfix", Name: "dropped_oversize_total",
			Help: "Number of records dropped for exceeding the MTU budget.",
		}),
		RecordsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "ipfix", Name: "records_queued_total",
			Help: "Number of records appended to a template's accumulation buffer.",
		}),
		ExporterReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "ipfix", Name: "reconnects_total",
			Help: "Number of transport errors that dropped the exporter's collector connection and scheduled a reconnect.",
		}),
		DroppedRingFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexporterd", Subsystem: "ring", Name: "dropped_full_total",
			Help: "Number of exported records dropped because the export ring was full.",
		}),
	}
	reg.MustRegister(
		m.FlowsCreated, m.FlowsExported, m.DroppedNoRes, m.DroppedKey,
		m.DroppedExporterBackoff, m.DroppedOversizeRecord, m.RecordsQueued, m.ExporterReconnects,
		m.DroppedRingFull,
	)
	return m
}
