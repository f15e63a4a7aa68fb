// Package hook runs external commands against each exported flow,
// adapted from the teacher repo's own pkg/ipfix Hook/Output.Log.Hooks
// design: a declarative list of named commands, each fed the record's JSON
// encoding on stdin.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"time"

	"github.com/pavelkim/flowexporterd/internal/flow"
	"github.com/pavelkim/flowexporterd/internal/logger"
)

// Hook is one configured external command.
type Hook struct {
	Name    string
	Command string
}

// Chain runs every configured hook, in order, against each exported
// record. A hook failing does not stop the others from running and is
// never treated as a transport or cache error.
type Chain struct {
	hooks []Hook
	log   *logger.Logger
}

// New builds a hook chain from its configured entries.
func New(hooks []Hook, log *logger.Logger) *Chain {
	return &Chain{hooks: hooks, log: log}
}

type record struct {
	SrcIP      string `json:"src_ip"`
	DstIP      string `json:"dst_ip"`
	SrcPort    uint16 `json:"src_port"`
	DstPort    uint16 `json:"dst_port"`
	Proto      uint8  `json:"proto"`
	SrcPackets uint64 `json:"src_packets"`
	SrcBytes   uint64 `json:"src_bytes"`
	DstPackets uint64 `json:"dst_packets"`
	DstBytes   uint64 `json:"dst_bytes"`
	EndReason  string `json:"end_reason"`
}

// Run feeds rec's JSON encoding to every configured hook's stdin.
func (c *Chain) Run(rec *flow.Record) {
	if len(c.hooks) == 0 {
		return
	}
	payload, err := json.Marshal(toJSON(rec))
	if err != nil {
		return
	}
	for _, h := range c.hooks {
		c.runOne(h, payload)
	}
}

func (c *Chain) runOne(h Hook, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Run(); err != nil && c.log != nil {
		c.log.Warn("hook failed", "hook", h.Name, "error", err)
	}
}

func toJSON(rec *flow.Record) record {
	return record{
		SrcIP:      ipString(rec.Key.SrcIP[:], rec.Key.Version),
		DstIP:      ipString(rec.Key.DstIP[:], rec.Key.Version),
		SrcPort:    rec.Key.SrcPort,
		DstPort:    rec.Key.DstPort,
		Proto:      rec.Key.Proto,
		SrcPackets: rec.SrcPackets,
		SrcBytes:   rec.SrcBytes,
		DstPackets: rec.DstPackets,
		DstBytes:   rec.DstBytes,
		EndReason:  rec.EndReason.String(),
	}
}

func ipString(b []byte, version flow.IPVersion) string {
	if version == flow.IPv4 {
		return net.IP(b[:4]).String()
	}
	return net.IP(b).String()
}
