// Package tzsp decodes the TZSP encapsulation format, adapted directly
// from the teacher repo's internal/tzsp/decoder.go: version/type/protocol
// header, a tag list terminated by TagEnd, then the encapsulated frame.
package tzsp

import (
	"encoding/binary"
	"fmt"
)

const Version = 1

const (
	TagPad = 0
	TagEnd = 1
)

// Packet is a decoded TZSP frame: the tag list is discarded once parsed,
// since this exporter only needs the encapsulated payload and its capture
// protocol.
type Packet struct {
	Protocol    uint16
	EncapPacket []byte
}

// Decode parses a TZSP frame from raw bytes.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("tzsp: packet too short: %d bytes", len(data))
	}
	version := data[0]
	if version != Version {
		return nil, fmt.Errorf("tzsp: unsupported version %d", version)
	}

	pkt := &Packet{Protocol: binary.BigEndian.Uint16(data[2:4])}

	offset := 4
	for offset < len(data) {
		tagType := data[offset]
		offset++
		if tagType == TagEnd {
			break
		}
		if tagType == TagPad {
			continue
		}
		if offset >= len(data) {
			return nil, fmt.Errorf("tzsp: incomplete tag at offset %d", offset-1)
		}
		tagLen := int(data[offset])
		offset++
		if offset+tagLen > len(data) {
			return nil, fmt.Errorf("tzsp: tag data exceeds packet length")
		}
		offset += tagLen
	}

	if offset < len(data) {
		pkt.EncapPacket = data[offset:]
	}
	return pkt, nil
}
