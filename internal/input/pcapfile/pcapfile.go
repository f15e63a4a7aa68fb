// Package pcapfile replays a capture file through the same input.Source
// boundary the live capture adapter uses, grounded on the teacher's
// internal/pcap.DumpWriter (the write side of the same pcapgo dependency) and
// on the original benchmark input plugin's role as a non-live packet
// source for deterministic tests and local replay.
package pcapfile

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/input"
)

// Source replays every packet in a pcap file, in file order, then returns.
type Source struct {
	path string
	file *os.File
}

// New creates a Source over the given pcap file path. The file is opened
// lazily, in Run.
func New(path string) *Source {
	return &Source{path: path}
}

// Run decodes and replays every packet in the file, handing each to sink.
func (s *Source) Run(ctx context.Context, sink input.Sink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("pcapfile: open %s: %w", s.path, err)
	}
	s.file = f

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("pcapfile: read header: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pcapfile: read packet: %w", err)
		}

		fp := decode(data, ci)
		if fp == nil {
			continue
		}
		if err := sink.Put(fp); err != nil {
			return fmt.Errorf("pcapfile: put: %w", err)
		}
	}
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func decode(data []byte, ci gopacket.CaptureInfo) *flow.Packet {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	fp := &flow.Packet{
		TimeSec:  ci.Timestamp.Unix(),
		TimeUsec: int64(ci.Timestamp.Nanosecond() / 1000),
		WireLen:  ci.Length,
	}

	if eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		copy(fp.SrcMAC[:], eth.SrcMAC)
		copy(fp.DstMAC[:], eth.DstMAC)
	}

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		fp.IPVersion = flow.IPv4
		copy(fp.SrcIP[:4], ip.SrcIP.To4())
		copy(fp.DstIP[:4], ip.DstIP.To4())
		fp.L4Proto = uint8(ip.Protocol)
		fp.IPLen = int(ip.Length)
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		fp.IPVersion = flow.IPv6
		copy(fp.SrcIP[:], ip.SrcIP.To16())
		copy(fp.DstIP[:], ip.DstIP.To16())
		fp.L4Proto = uint8(ip.NextHeader)
		fp.IPLen = int(ip.Length) + 40
	default:
		return nil
	}

	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		fp.SrcPort = uint16(tcp.SrcPort)
		fp.DstPort = uint16(tcp.DstPort)
		fp.TCPFlags = tcpFlags(tcp)
		if app := packet.ApplicationLayer(); app != nil {
			fp.L4PayloadLen = len(app.Payload())
			fp.Payload = app.Payload()
		}
	} else if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		fp.SrcPort = uint16(udp.SrcPort)
		fp.DstPort = uint16(udp.DstPort)
		if app := packet.ApplicationLayer(); app != nil {
			fp.L4PayloadLen = len(app.Payload())
			fp.Payload = app.Payload()
		}
	}

	return fp
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= flow.TCPFlagFIN
	}
	if tcp.SYN {
		f |= flow.TCPFlagSYN
	}
	if tcp.RST {
		f |= flow.TCPFlagRST
	}
	if tcp.PSH {
		f |= flow.TCPFlagPSH
	}
	if tcp.ACK {
		f |= flow.TCPFlagACK
	}
	if tcp.URG {
		f |= flow.TCPFlagURG
	}
	return f
}
