package ipfix

import "github.com/pavelkim/flowexporterd/internal/flow"

// Enterprise numbers used by vendor-scoped information elements.
const (
	EnterpriseStandard = 0
	EnterpriseReverse  = 29305 // CESNET reverse-direction fields
	EnterpriseCESNET   = 8057
	EnterpriseVendor   = 39499
)

// Standard information-element IDs this exporter emits.
const (
	ieOctetDeltaCount     = 1
	iePacketDeltaCount    = 2
	ieProtocolIdentifier  = 4
	ieL4PortSrc           = 7
	ieIPv4AddrSrc         = 8
	ieInputInterface      = 10
	ieIPv4AddrDst         = 12
	ieL4PortDst           = 11
	ieTCPControlBits      = 6
	ieIPv6AddrSrc         = 27
	ieIPv6AddrDst         = 28
	ieIPVersion           = 60
	ieSourceMACAddress    = 56
	ieDestMACAddress      = 80
	ieFlowEndReason       = 136
	ieFlowStartMsec       = 152
	ieFlowEndMsec         = 153
)

// fieldSpec is one row of the data table §9's design notes re-architect
// the original X-macro field tables into: a field name, its IE id, its
// enterprise scope, its on-wire length (-1 for variable length: the data
// record gets an RFC 7011 §7 length-prefixed payload from an extension's
// own serializer, see serializeRecord), and an accessor that reads it out
// of a flow.Record for fixed-width basic fields.
type fieldSpec struct {
	Name       string
	Enterprise uint32
	ElementID  uint16
	Length     int // -1 => variable length, read via extension serializer
	read       func(rec *flow.Record, buf []byte) []byte
}

func be16(buf []byte, v uint16) []byte { return append(buf, byte(v>>8), byte(v)) }
func be32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
func be64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func msec(sec, usec int64) uint64 {
	return uint64(sec)*1000 + uint64(usec)/1000
}

// basicFieldsV4 is the fixed basic template field list for IPv4 flows, in
// wire order, matching spec.md §6 verbatim.
func basicFieldsV4() []fieldSpec {
	return []fieldSpec{
		{"FLOW_END_REASON", EnterpriseStandard, ieFlowEndReason, 1, func(r *flow.Record, b []byte) []byte {
			return append(b, endReasonCode(r.EndReason))
		}},
		{"BYTES", EnterpriseStandard, ieOctetDeltaCount, 8, func(r *flow.Record, b []byte) []byte {
			return be64(b, r.SrcBytes)
		}},
		{"BYTES_REV", EnterpriseReverse, ieOctetDeltaCount, 8, func(r *flow.Record, b []byte) []byte {
			return be64(b, r.DstBytes)
		}},
		{"PACKETS", EnterpriseStandard, iePacketDeltaCount, 8, func(r *flow.Record, b []byte) []byte {
			return be64(b, r.SrcPackets)
		}},
		{"PACKETS_REV", EnterpriseReverse, iePacketDeltaCount, 8, func(r *flow.Record, b []byte) []byte {
			return be64(b, r.DstPackets)
		}},
		{"FLOW_START", EnterpriseStandard, ieFlowStartMsec, 8, func(r *flow.Record, b []byte) []byte {
			return be64(b, msec(r.TimeFirstSec, r.TimeFirstUsec))
		}},
		{"FLOW_END", EnterpriseStandard, ieFlowEndMsec, 8, func(r *flow.Record, b []byte) []byte {
			return be64(b, msec(r.TimeLastSec, r.TimeLastUsec))
		}},
		{"L3_PROTO", EnterpriseStandard, ieIPVersion, 1, func(r *flow.Record, b []byte) []byte {
			return append(b, byte(r.Key.Version))
		}},
		{"L4_PROTO", EnterpriseStandard, ieProtocolIdentifier, 1, func(r *flow.Record, b []byte) []byte {
			return append(b, r.Key.Proto)
		}},
		{"L4_TCP_FLAGS", EnterpriseStandard, ieTCPControlBits, 1, func(r *flow.Record, b []byte) []byte {
			return append(b, r.SrcTCPFlags)
		}},
		{"L4_TCP_FLAGS_REV", EnterpriseReverse, ieTCPControlBits, 1, func(r *flow.Record, b []byte) []byte {
			return append(b, r.DstTCPFlags)
		}},
		{"L4_PORT_SRC", EnterpriseStandard, ieL4PortSrc, 2, func(r *flow.Record, b []byte) []byte {
			return be16(b, r.Key.SrcPort)
		}},
		{"L4_PORT_DST", EnterpriseStandard, ieL4PortDst, 2, func(r *flow.Record, b []byte) []byte {
			return be16(b, r.Key.DstPort)
		}},
		{"INPUT_INTERFACE", EnterpriseStandard, ieInputInterface, 4, func(r *flow.Record, b []byte) []byte {
			return be32(b, r.InputInterface)
		}},
		{"L3_IPV4_ADDR_SRC", EnterpriseStandard, ieIPv4AddrSrc, 4, func(r *flow.Record, b []byte) []byte {
			return append(b, r.Key.SrcIP[:4]...)
		}},
		{"L3_IPV4_ADDR_DST", EnterpriseStandard, ieIPv4AddrDst, 4, func(r *flow.Record, b []byte) []byte {
			return append(b, r.Key.DstIP[:4]...)
		}},
		{"L2_SRC_MAC", EnterpriseStandard, ieSourceMACAddress, 6, func(r *flow.Record, b []byte) []byte {
			return append(b, r.SrcMAC[:]...)
		}},
		{"L2_DST_MAC", EnterpriseStandard, ieDestMACAddress, 6, func(r *flow.Record, b []byte) []byte {
			return append(b, r.DstMAC[:]...)
		}},
	}
}

// basicFieldsV6 substitutes the IPv6 address fields for the v4 variant, per
// spec.md §6.
func basicFieldsV6() []fieldSpec {
	v4 := basicFieldsV4()
	out := make([]fieldSpec, 0, len(v4))
	for _, f := range v4 {
		switch f.Name {
		case "L3_IPV4_ADDR_SRC":
			out = append(out, fieldSpec{"L3_IPV6_ADDR_SRC", EnterpriseStandard, ieIPv6AddrSrc, 16,
				func(r *flow.Record, b []byte) []byte { return append(b, r.Key.SrcIP[:]...) }})
		case "L3_IPV4_ADDR_DST":
			out = append(out, fieldSpec{"L3_IPV6_ADDR_DST", EnterpriseStandard, ieIPv6AddrDst, 16,
				func(r *flow.Record, b []byte) []byte { return append(b, r.Key.DstIP[:]...) }})
		default:
			out = append(out, f)
		}
	}
	return out
}

// endReasonCode maps the internal flow.EndReason to the RFC 7011
// flowEndReason code point.
func endReasonCode(r flow.EndReason) byte {
	switch r {
	case flow.EndReasonEOF:
		return 0x03 // end of Flow detected
	case flow.EndReasonForced:
		return 0x04 // forced end
	case flow.EndReasonInactive:
		return 0x01 // idle timeout
	case flow.EndReasonActive:
		return 0x02 // active timeout
	case flow.EndReasonNoRes:
		return 0x05 // lack of resources
	default:
		return 0x00
	}
}
