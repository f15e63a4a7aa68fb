// Package config loads the daemon's YAML configuration file, adapted from
// the teacher repo's own config.Load: read the whole file, unmarshal with
// yaml.v3, then apply defaults for anything left blank. Every section maps
// onto the same declarative "key=value;key=value" init strings the cache,
// exporter and analyzer plugins accept natively (see internal/options); the
// YAML file is the only place those init strings are read from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Input   InputConfig   `yaml:"input"`
	Cache   string        `yaml:"cache"`   // init string, see internal/cache.Options
	IPFIX   string        `yaml:"ipfix"`   // init string, see internal/ipfix.Options
	Plugins []string      `yaml:"plugins"` // analyzer names to register, in order
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Hooks   []HookConfig  `yaml:"hooks"`
	TextSink TextSinkConfig `yaml:"text_sink"`
	NetFlow NetFlowConfig `yaml:"netflow_bridge"`
	QueueSize int `yaml:"queue_size"` // export ring capacity, see internal/ring
}

// NetFlowConfig optionally mirrors every exported flow to a legacy NetFlow
// v5 collector, for sites still running v5-only tooling alongside the
// primary IPFIX exporter.
type NetFlowConfig struct {
	Enabled       bool   `yaml:"enabled"`
	CollectorAddr string `yaml:"collector_addr"`
}

// InputConfig selects and configures the capture-boundary adapter.
type InputConfig struct {
	Mode       string `yaml:"mode"` // "tzsp" or "pcapfile"
	ListenAddr string `yaml:"listen_addr"`
	BufferSize int    `yaml:"buffer_size"`
	PCAPFile   string `yaml:"pcap_file"`
	DumpPCAP   DumpPCAPConfig `yaml:"dump_pcap"`
}

// DumpPCAPConfig optionally tees every captured raw frame to a rotating pcap
// file on disk, for later offline replay through pcapfile mode.
type DumpPCAPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoggingConfig mirrors internal/logger.Config's YAML shape.
type LoggingConfig struct {
	Console struct {
		Enabled bool   `yaml:"enabled"`
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
	} `yaml:"console"`
	File struct {
		Enabled bool   `yaml:"enabled"`
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		Path    string `yaml:"path"`
	} `yaml:"file"`
}

// MetricsConfig configures the Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// HookConfig declares one external command to invoke with each exported
// record's JSON encoding, adapted from the teacher's pkg/ipfix Hook/Output
// design.
type HookConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// TextSinkConfig configures the optional text/UniRec-shaped sink.
type TextSinkConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputFile string `yaml:"output_file"`
}

// Load reads and parses the configuration file, applying defaults for any
// field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Input.BufferSize == 0 {
		cfg.Input.BufferSize = 65536
	}
	if cfg.Input.Mode == "" {
		cfg.Input.Mode = "tzsp"
	}
	if cfg.Logging.Console.Level == "" {
		cfg.Logging.Console.Level = "info"
	}
	if !cfg.Logging.Console.Enabled && !cfg.Logging.File.Enabled {
		cfg.Logging.Console.Enabled = true
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9475"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}

	return &cfg, nil
}
