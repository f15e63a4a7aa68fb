// Package netflow implements a NetFlow v5 bridge: a secondary cache.Exporter
// for collectors that do not yet speak IPFIX. It reuses the wire-format
// knowledge of the teacher's original NetFlow v5 encoder, but drops that
// encoder's own packet-level flow table entirely - the record handed to
// Export has already gone through the flow cache's create/update/timeout
// lifecycle, so this package only serializes, it never aggregates.
package netflow

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
)

// Exporter sends one NetFlow v5 UDP datagram (24-byte header + one 48-byte
// flow record) per exported flow.Record.
type Exporter struct {
	conn        *net.UDPConn
	mu          sync.Mutex
	sequenceNum uint32
}

// New dials the given collector address and returns a ready Exporter.
func New(collectorAddr string) (*Exporter, error) {
	addr, err := net.ResolveUDPAddr("udp", collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("netflow: resolve %s: %w", collectorAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("netflow: dial %s: %w", collectorAddr, err)
	}
	return &Exporter{conn: conn}, nil
}

// Export serializes rec as a single NetFlow v5 record and sends it. Only
// IPv4 flows are representable in the v5 wire format; IPv6 records are
// silently skipped, matching the protocol's own limitation rather than an
// error condition worth surfacing to the caller.
func (e *Exporter) Export(rec *flow.Record) error {
	if rec.Key.Version != flow.IPv4 {
		return nil
	}

	e.mu.Lock()
	e.sequenceNum++
	seq := e.sequenceNum
	e.mu.Unlock()

	buf := make([]byte, 72)

	binary.BigEndian.PutUint16(buf[0:2], 5) // version
	binary.BigEndian.PutUint16(buf[2:4], 1) // record count
	binary.BigEndian.PutUint32(buf[4:8], uint32(time.Now().Unix()*1000))
	binary.BigEndian.PutUint32(buf[8:12], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint32(buf[12:16], uint32(time.Now().Nanosecond()))
	binary.BigEndian.PutUint32(buf[16:20], seq)
	// engine type, engine ID, sampling interval left zero

	const off = 24
	copy(buf[off:off+4], rec.Key.SrcIP[:4])
	copy(buf[off+4:off+8], rec.Key.DstIP[:4])
	// next hop left zero
	binary.BigEndian.PutUint16(buf[off+12:off+14], uint16(rec.InputInterface))
	binary.BigEndian.PutUint16(buf[off+14:off+16], 0)
	binary.BigEndian.PutUint32(buf[off+16:off+20], uint32(rec.SrcPackets))
	binary.BigEndian.PutUint32(buf[off+20:off+24], uint32(rec.SrcBytes))
	binary.BigEndian.PutUint32(buf[off+24:off+28], uint32(rec.TimeFirstSec))
	binary.BigEndian.PutUint32(buf[off+28:off+32], uint32(rec.TimeLastSec))
	binary.BigEndian.PutUint16(buf[off+32:off+34], rec.Key.SrcPort)
	binary.BigEndian.PutUint16(buf[off+34:off+36], rec.Key.DstPort)
	buf[off+36] = 0
	buf[off+37] = rec.CombinedTCPFlags()
	buf[off+38] = rec.Key.Proto
	buf[off+39] = 0 // TOS
	// AS numbers and mask left zero

	_, err := e.conn.Write(buf)
	return err
}

// Close releases the UDP socket.
func (e *Exporter) Close() error {
	return e.conn.Close()
}
