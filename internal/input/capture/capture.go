// Package capture implements a UDP/TZSP-shaped input.Source, adapted from
// the teacher repo's internal/server.Server receive loop and
// internal/decoder.Decoder: it listens for TZSP-encapsulated frames and
// decodes the inner packet with gopacket, but now produces a flow.Packet
// at the cache boundary instead of a bespoke PacketInfo struct.
package capture

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/input"
	"github.com/pavelkim/flowexporterd/internal/input/tzsp"
	"github.com/pavelkim/flowexporterd/internal/logger"
	"github.com/pavelkim/flowexporterd/internal/pcap"
)

// Source listens for TZSP-encapsulated packets over UDP.
type Source struct {
	listenAddr string
	bufferSize int
	conn       *net.UDPConn
	log        *logger.Logger
	dump       *pcap.DumpWriter
}

// New creates a capture Source bound to listenAddr (e.g. "0.0.0.0:37008").
func New(listenAddr string, bufferSize int, log *logger.Logger) *Source {
	if bufferSize <= 0 {
		bufferSize = 65536
	}
	return &Source{listenAddr: listenAddr, bufferSize: bufferSize, log: log}
}

// WithDump tees every captured raw frame to a rotating pcap file before
// decoding, so a live capture can be replayed offline through pcapfile mode.
func (s *Source) WithDump(file string, maxSizeMB, maxBackups int) error {
	w, err := pcap.NewWriter(file, maxSizeMB, maxBackups, s.log)
	if err != nil {
		return fmt.Errorf("capture: open pcap dump: %w", err)
	}
	s.dump = w
	return nil
}

// Run listens until ctx is canceled, decoding each datagram and handing the
// resulting flow.Packet to sink.
func (s *Source) Run(ctx context.Context, sink input.Sink) error {
	addr, err := net.ResolveUDPAddr("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("capture: resolve %s: %w", s.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("capture: listen %s: %w", s.listenAddr, err)
	}
	s.conn = conn

	buf := make([]byte, s.bufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("capture: read: %w", err)
		}

		now := time.Now()
		if s.dump != nil {
			if err := s.dump.WritePacket(buf[:n], now); err != nil && s.log != nil {
				s.log.Warn("capture: pcap dump write failed", "error", err)
			}
		}

		pkt, err := decode(buf[:n], now)
		if err != nil {
			if s.log != nil {
				s.log.Debug("capture: decode failed", "error", err)
			}
			continue
		}
		if pkt != nil {
			if err := sink.Put(pkt); err != nil {
				return fmt.Errorf("capture: put: %w", err)
			}
		}
	}
}

// Close releases the UDP socket and any pcap dump file.
func (s *Source) Close() error {
	if s.dump != nil {
		s.dump.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// decode unwraps a TZSP frame, then parses the encapsulated Ethernet frame
// with gopacket into a flow.Packet. Returns a nil packet (not an error) for
// frames that carry no recognizable L3/L4 payload.
func decode(data []byte, ts time.Time) (*flow.Packet, error) {
	tzPkt, err := tzsp.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(tzPkt.EncapPacket) == 0 {
		return nil, nil
	}
	return decodeEthernet(tzPkt.EncapPacket, ts)
}

func decodeEthernet(data []byte, ts time.Time) (*flow.Packet, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	fp := &flow.Packet{
		TimeSec:  ts.Unix(),
		TimeUsec: int64(ts.Nanosecond() / 1000),
		WireLen:  len(data),
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
		fp.IPPayloadLen = int(ip.Length) - int(ip.IHL)*4
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		fp.IPVersion = flow.IPv6
		copy(fp.SrcIP[:], ip.SrcIP.To16())
		copy(fp.DstIP[:], ip.DstIP.To16())
		fp.L4Proto = uint8(ip.NextHeader)
		fp.IPLen = int(ip.Length) + 40
		fp.IPPayloadLen = int(ip.Length)
	default:
		return nil, nil
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
	} else if icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		// ICMP type/code folded into dst_port per spec.md §3.
		fp.DstPort = uint16(icmp.TypeCode)
	}

	return fp, nil
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
