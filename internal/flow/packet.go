// Package flow holds the data model shared by the cache, the plugin
// pipeline and the exporter: captured packets, live flow records and the
// extensions analyzers attach to them.
package flow

import "time"

// IPVersion distinguishes the two fixed-width key layouts the cache keys on.
type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// MaxExtensions bounds the number of distinct analyzer extension IDs the
// pipeline will allocate. The exporter's fingerprint bitmask is built over
// this many bits, so it must stay small enough to fit a uint64.
const MaxExtensions = 64

// TCP flag bits, as they appear in the TCP header's flag byte.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// Packet is the normalized per-packet record the cache consumes. Input
// adapters own the backing payload buffer; it must stay valid only for the
// duration of the Put call.
type Packet struct {
	TimeSec  int64
	TimeUsec int64

	SrcMAC [6]byte
	DstMAC [6]byte

	IPVersion IPVersion
	SrcIP     [16]byte // first 4 bytes significant for IPv4
	DstIP     [16]byte

	L4Proto uint8
	SrcPort uint16
	DstPort uint16 // ICMP type/code folded in here when L4Proto is ICMP

	TCPFlags uint8

	WireLen        int
	IPLen          int
	IPPayloadLen   int
	L4PayloadLen   int
	InputInterface uint32

	Payload []byte

	// SourcePkt is set by the cache once the packet has been matched
	// against a flow: true when this packet travels in the flow's
	// canonical forward direction.
	SourcePkt bool
}

// Timestamp returns the packet's capture time as a time.Time.
func (p *Packet) Timestamp() time.Time {
	return time.Unix(p.TimeSec, p.TimeUsec*1000)
}

// Key is the canonical 5-tuple (+ version) a flow is stored under.
type Key struct {
	Version IPVersion
	Proto   uint8
	SrcIP   [16]byte
	DstIP   [16]byte
	SrcPort uint16
	DstPort uint16
}

// Inverse returns the key obtained by swapping source and destination,
// used to fold the reverse direction of a conversation into one biflow.
func (k Key) Inverse() Key {
	return Key{
		Version: k.Version,
		Proto:   k.Proto,
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
	}
}

// KeyFromPacket builds the forward key for a packet. ok is false when the
// packet carries an IP version the cache does not support; callers must
// drop the packet without mutating any state.
func KeyFromPacket(p *Packet) (Key, bool) {
	switch p.IPVersion {
	case IPv4, IPv6:
	default:
		return Key{}, false
	}
	return Key{
		Version: p.IPVersion,
		Proto:   p.L4Proto,
		SrcIP:   p.SrcIP,
		DstIP:   p.DstIP,
		SrcPort: p.SrcPort,
		DstPort: p.DstPort,
	}, true
}
