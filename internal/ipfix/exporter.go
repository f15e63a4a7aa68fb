// Package ipfix turns exported flow.Records into RFC 7011 IPFIX messages
// and ships them to a collector over TCP or UDP, grounded on
// output/ipfix.hpp's IPFIXExporter: template fingerprinting, per-template
// MTU-bounded accumulation buffers, TCP send-once-per-connection versus
// UDP periodic refresh, and the rate-limited reconnect loop.
package ipfix

import (
	"fmt"
	"net"
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/logger"
	"github.com/pavelkim/flowexporterd/internal/metrics"
	"github.com/pavelkim/flowexporterd/internal/options"
	"github.com/pavelkim/flowexporterd/internal/plugin"
)

const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 4739
	DefaultMTU                 = 1458
	DefaultTemplateRefreshSecs = 600
	ReconnectTimeout           = 60 * time.Second
)

// Options registers the exporter's declarative init-string keys, matching
// IpfixOptParser's host/port/udp/id/dir/mtu/template/verbose surface.
//
// "dir" is accepted for init-string compatibility with that surface but is
// not wired into any field: the original conflated it with element 10
// (ingress interface, see ieInputInterface), which this exporter instead
// populates per-flow from flow.Record.InputInterface. That conflation is
// flagged upstream as an unresolved ambiguity (intentional vs. latent bug)
// and is deliberately not carried forward; "dir" is reserved, not dropped,
// so a config carrying it from the old surface still parses.
func Options() *options.Parser {
	p := options.NewParser()
	p.Register(options.Opt{Name: "host", Kind: options.String, Default: DefaultHost})
	p.Register(options.Opt{Name: "port", Kind: options.Int, Default: fmt.Sprint(DefaultPort)})
	p.Register(options.Opt{Name: "udp", Kind: options.Bool, Default: "false"})
	p.Register(options.Opt{Name: "id", Kind: options.Uint, Default: "0"})
	p.Register(options.Opt{Name: "dir", Kind: options.Uint, Default: "0"})
	p.Register(options.Opt{Name: "mtu", Kind: options.Int, Default: fmt.Sprint(DefaultMTU)})
	p.Register(options.Opt{Name: "template", Kind: options.Int, Default: fmt.Sprint(DefaultTemplateRefreshSecs)})
	p.Register(options.Opt{Name: "verbose", Kind: options.Bool, Default: "false"})
	return p
}

// Exporter implements cache.Exporter: completed flow.Records are handed to
// it one at a time, synchronously, from a single goroutine (in
// cmd/flowexporterd, the export ring's drain goroutine).
type Exporter struct {
	host string
	port int
	udp  bool

	observationDomainID uint32
	mtu                 int
	templateRefresh     time.Duration
	verbose             bool

	conn      net.Conn
	connected bool
	lastFail  time.Time

	sequence uint32
	registry *templateRegistry

	lastRefresh time.Time

	log *logger.Logger
	m   *metrics.Metrics
}

// New builds an Exporter from a resolved options.Parser (see Options).
func New(opts *options.Parser, pipeline *plugin.Pipeline, log *logger.Logger, m *metrics.Metrics) *Exporter {
	return &Exporter{
		host:                opts.String("host"),
		port:                int(opts.Int("port")),
		udp:                 opts.Bool("udp"),
		observationDomainID: uint32(opts.Uint("id")),
		mtu:                 int(opts.Int("mtu")),
		templateRefresh:     time.Duration(opts.Int("template")) * time.Second,
		verbose:             opts.Bool("verbose"),
		registry:            newTemplateRegistry(pipeline),
		log:                 log,
		m:                   m,
	}
}

func (e *Exporter) network() string {
	if e.udp {
		return "udp"
	}
	return "tcp"
}

// connect dials the collector. On TCP this resets the sequence number and
// marks every template un-exported, per spec.md §4.3's reconnect policy.
func (e *Exporter) connect() error {
	addr := net.JoinHostPort(e.host, fmt.Sprint(e.port))
	conn, err := net.DialTimeout(e.network(), addr, 5*time.Second)
	if err != nil {
		e.lastFail = time.Now()
		return err
	}
	e.conn = conn
	e.connected = true
	if !e.udp {
		e.sequence = 0
		e.registry.markAllUnexported()
	}
	if e.log != nil {
		e.log.Info("ipfix exporter connected", "host", e.host, "port", e.port, "udp", e.udp)
	}
	return nil
}

func (e *Exporter) disconnect() {
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = nil
	e.connected = false
	e.lastFail = time.Now()
}

// Export serializes rec against its fingerprint's template and queues it
// into that template's accumulation buffer, flushing to the wire when the
// buffer would exceed the MTU budget. During a reconnect back-off the
// record is dropped and counted, per spec.md §4.3's reconnect policy.
func (e *Exporter) Export(rec *flow.Record) error {
	if !e.connected {
		if time.Since(e.lastFail) < ReconnectTimeout {
			e.m.DroppedExporterBackoff.Inc()
			return nil
		}
		if err := e.connect(); err != nil {
			e.m.DroppedExporterBackoff.Inc()
			return nil
		}
	}

	mask := rec.ExtensionBitmask()
	t := e.registry.get(rec.Key.Version, mask, e.mtu)

	if err := e.ensureTemplateSent(t); err != nil {
		e.handleTransportError(err)
		return nil
	}

	record := serializeRecord(rec, t.fields)

	budget := e.mtu - ipfixHeaderSize - ipfixSetHeaderSize
	if len(t.buf)+len(record) > budget {
		if err := e.flushDataSet(t); err != nil {
			e.handleTransportError(err)
			return nil
		}
	}
	if len(record) > budget {
		e.m.DroppedOversizeRecord.Inc()
		return nil
	}

	t.buf = append(t.buf, record...)
	t.recordsInBuf++
	e.m.RecordsQueued.Inc()

	if err := e.maybeRefreshTemplates(); err != nil {
		e.handleTransportError(err)
	}
	return nil
}

// serializeRecord renders the fixed basic fields and any attached
// extensions in template order. An extension whose encoder reports it
// won't fit mid-record is out of scope here: extensions are expected to
// size themselves to the template's declared (fixed or variable) length;
// true overflow is handled one level up, at the data-set buffer boundary.
//
// A field declared Length == -1 in its template (every extension field) is
// RFC 7011 §7's variable-length encoding: the payload is prefixed with a
// length octet (or, past 254 bytes, the 0xFF escape plus a 2-byte length)
// so a collector parsing the data set knows where the field ends without
// consulting the template again.
func serializeRecord(rec *flow.Record, fields []fieldSpec) []byte {
	var buf []byte
	for _, f := range fields {
		if f.read != nil {
			buf = f.read(rec, buf)
			continue
		}
		ext := extensionFor(rec, f.Name)
		if ext == nil {
			continue
		}
		if f.Length != -1 {
			if out, ok := ext.SerializeIPFIX(buf); ok {
				buf = out
			}
			continue
		}
		payload, ok := ext.SerializeIPFIX(nil)
		if !ok {
			continue
		}
		buf = appendVarlen(buf, payload)
	}
	return buf
}

// appendVarlen appends payload to buf prefixed with its RFC 7011 §7
// variable-length encoding.
func appendVarlen(buf []byte, payload []byte) []byte {
	n := len(payload)
	if n < 255 {
		buf = append(buf, byte(n))
	} else {
		buf = append(buf, 0xFF, byte(n>>8), byte(n))
	}
	return append(buf, payload...)
}

// extensionFor finds the attached extension whose template fields include
// name. Extensions are few per flow, so a linear scan is fine.
func extensionFor(rec *flow.Record, name string) flow.Extension {
	for _, ext := range rec.Extensions() {
		for _, f := range ext.TemplateFields() {
			if f == name {
				return ext
			}
		}
	}
	return nil
}

func (e *Exporter) ensureTemplateSent(t *template) error {
	if t.exported && (e.udp == false || time.Since(e.lastRefresh) < e.templateRefresh) {
		return nil
	}
	return e.sendTemplateSet(t)
}

func (e *Exporter) maybeRefreshTemplates() error {
	if !e.udp {
		return nil
	}
	if time.Since(e.lastRefresh) < e.templateRefresh {
		return nil
	}
	for _, t := range e.registry.all() {
		if err := e.sendTemplateSet(t); err != nil {
			return err
		}
	}
	e.lastRefresh = time.Now()
	return nil
}

func (e *Exporter) sendTemplateSet(t *template) error {
	set := make([]byte, 0, ipfixSetHeaderSize+len(t.recordBytes))
	set = be16(set, templateSetID)
	set = be16(set, uint16(ipfixSetHeaderSize+len(t.recordBytes)))
	set = append(set, t.recordBytes...)

	msg := e.header(uint16(ipfixHeaderSize+len(set)), 0)
	msg = append(msg, set...)
	if err := e.write(msg); err != nil {
		return err
	}
	t.exported = true
	return nil
}

func (e *Exporter) flushDataSet(t *template) error {
	if len(t.buf) == 0 {
		return nil
	}
	set := make([]byte, 0, ipfixSetHeaderSize+len(t.buf))
	set = be16(set, t.id)
	set = be16(set, uint16(ipfixSetHeaderSize+len(t.buf)))
	set = append(set, t.buf...)

	msg := e.header(uint16(ipfixHeaderSize+len(set)), uint32(t.recordsInBuf))
	msg = append(msg, set...)
	if err := e.write(msg); err != nil {
		return err
	}
	t.buf = t.buf[:0]
	t.recordsInBuf = 0
	return nil
}

// Flush forces every template's pending data set to the wire; called on
// shutdown so the last partial buffer is not lost.
func (e *Exporter) Flush() error {
	for _, t := range e.registry.all() {
		if err := e.flushDataSet(t); err != nil {
			return err
		}
	}
	return nil
}

// header renders the 16-byte IPFIX message header, then advances the
// sequence number by recordCount data records.
func (e *Exporter) header(length uint16, recordCount uint32) []byte {
	buf := make([]byte, 0, ipfixHeaderSize)
	buf = be16(buf, ipfixVersion)
	buf = be16(buf, length)
	buf = be32(buf, uint32(time.Now().Unix()))
	buf = be32(buf, e.sequence)
	buf = be32(buf, e.observationDomainID)
	e.sequence += recordCount
	return buf
}

func (e *Exporter) write(b []byte) error {
	_, err := e.conn.Write(b)
	return err
}

// handleTransportError closes the connection and schedules a rate-limited
// reconnect. The record being exported when the error occurred is not
// counted in any drop counter.
func (e *Exporter) handleTransportError(err error) {
	if e.log != nil {
		e.log.Warn("ipfix exporter transport error", "error", err)
	}
	e.disconnect()
	e.m.ExporterReconnects.Inc()
}

// Close releases the transport connection.
func (e *Exporter) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
