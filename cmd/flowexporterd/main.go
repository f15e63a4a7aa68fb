// Command flowexporterd consumes packets from a capture source, aggregates
// them into bidirectional flow records, enriches them through the analyzer
// pipeline, and exports them as IPFIX. Wiring follows the teacher repo's
// own cmd/tzsp_server/main.go: flag parsing, ordered component bring-up
// with a log line per stage, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelkim/flowexporterd/internal/cache"
	"github.com/pavelkim/flowexporterd/internal/config"
	"github.com/pavelkim/flowexporterd/internal/hook"
	"github.com/pavelkim/flowexporterd/internal/input"
	"github.com/pavelkim/flowexporterd/internal/input/capture"
	"github.com/pavelkim/flowexporterd/internal/input/pcapfile"
	"github.com/pavelkim/flowexporterd/internal/ipfix"
	"github.com/pavelkim/flowexporterd/internal/logger"
	"github.com/pavelkim/flowexporterd/internal/metrics"
	"github.com/pavelkim/flowexporterd/internal/netflow"
	"github.com/pavelkim/flowexporterd/internal/plugin"
	"github.com/pavelkim/flowexporterd/internal/plugin/bstats"
	"github.com/pavelkim/flowexporterd/internal/plugin/phists"
	"github.com/pavelkim/flowexporterd/internal/ring"
	"github.com/pavelkim/flowexporterd/internal/textsink"
)

// buildVersion is the release version, injected at build time via
// -ldflags "-X main.buildVersion=...". Left at its default in development
// builds, matching the teacher's own -X-injected version string.
var buildVersion = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowexporterd version %s\n", buildVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&logger.Config{
		Console: logger.ConsoleConfig(cfg.Logging.Console),
		File:    logger.FileConfig(cfg.Logging.File),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("========================================")
	log.Info("Starting flowexporterd", "version", buildVersion)
	log.Info("========================================")
	log.Info("configuration loaded", "file", *configPath)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, reg, log)
	}

	pipeline := plugin.New()
	if err := registerPlugins(pipeline, cfg.Plugins); err != nil {
		log.Error("failed to register plugins", "error", err)
		os.Exit(1)
	}
	log.Info("[OK] plugin pipeline assembled", "analyzers", cfg.Plugins)

	ipfixOpts := ipfix.Options()
	if err := ipfixOpts.Parse(cfg.IPFIX); err != nil {
		log.Error("invalid ipfix options", "error", err)
		os.Exit(1)
	}
	exp := ipfix.New(ipfixOpts, pipeline, log, m)
	log.Info("[OK] ipfix exporter configured", "options", cfg.IPFIX)

	primary := cache.Exporter(exp)
	fanout := &cache.FanOut{Primary: primary}

	if cfg.TextSink.Enabled {
		f, err := os.Create(cfg.TextSink.OutputFile)
		if err != nil {
			log.Error("failed to open text sink output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		fanout.Secondaries = append(fanout.Secondaries, textsink.New(f))
		log.Info("[OK] text sink enabled", "file", cfg.TextSink.OutputFile)
	}

	if cfg.NetFlow.Enabled {
		nf, err := netflow.New(cfg.NetFlow.CollectorAddr)
		if err != nil {
			log.Error("failed to initialize netflow bridge", "error", err)
			os.Exit(1)
		}
		defer nf.Close()
		fanout.Secondaries = append(fanout.Secondaries, nf)
		log.Info("[OK] netflow v5 bridge enabled", "collector", cfg.NetFlow.CollectorAddr)
	}

	if len(cfg.Hooks) > 0 {
		var hooks []hook.Hook
		for _, h := range cfg.Hooks {
			hooks = append(hooks, hook.Hook{Name: h.Name, Command: h.Command})
		}
		fanout.Hooks = hook.New(hooks, log)
		log.Info("[OK] hook chain enabled", "count", len(hooks))
	}

	exportRing := ring.New(cfg.QueueSize)
	ringStop := make(chan struct{})
	drainDone := make(chan struct{})
	go func() {
		cache.Drain(exportRing, fanout, ringStop)
		close(drainDone)
	}()
	log.Info("[OK] export ring ready", "capacity", exportRing.Cap())

	cacheOpts := cache.Options()
	if err := cacheOpts.Parse(cfg.Cache); err != nil {
		log.Error("invalid cache options", "error", err)
		os.Exit(1)
	}
	fc, err := cache.New(cacheOpts, pipeline, cache.NewRingExporter(exportRing, m, ringStop), m)
	if err != nil {
		log.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	log.Info("[OK] flow cache initialized", "options", cfg.Cache)

	src, err := buildSource(cfg.Input, log)
	if err != nil {
		log.Error("failed to initialize input source", "error", err)
		os.Exit(1)
	}
	log.Info("[OK] input source ready", "mode", cfg.Input.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := src.Run(ctx, fc); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Info("received shutdown signal, flushing and exiting")
		cancel()
	case err := <-errChan:
		log.Error("input source failed", "error", err)
		cancel()
	}

	src.Close()
	// fc is single-owner (only src.Run's goroutine may call fc.Put): wait
	// for that goroutine to actually return before Finish walks the cache's
	// slots, so a SIGINT arriving mid-Put can't race Finish's iteration.
	<-runDone
	if err := fc.Finish(); err != nil {
		log.Error("error flushing cache on shutdown", "error", err)
	}

	for exportRing.Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	close(ringStop)
	<-drainDone

	if err := exp.Flush(); err != nil {
		log.Error("error flushing exporter on shutdown", "error", err)
	}
	exp.Close()

	log.Info("flowexporterd terminated")
}

func buildSource(cfg config.InputConfig, log *logger.Logger) (input.Source, error) {
	switch cfg.Mode {
	case "pcapfile":
		return pcapfile.New(cfg.PCAPFile), nil
	default:
		src := capture.New(cfg.ListenAddr, cfg.BufferSize, log)
		if cfg.DumpPCAP.Enabled {
			if err := src.WithDump(cfg.DumpPCAP.File, cfg.DumpPCAP.MaxSizeMB, cfg.DumpPCAP.MaxBackups); err != nil {
				return nil, err
			}
		}
		return src, nil
	}
}

func registerPlugins(pipeline *plugin.Pipeline, names []string) error {
	for _, name := range names {
		var a plugin.Analyzer
		switch name {
		case "bstats":
			a = bstats.New()
		case "phists":
			a = phists.New()
		default:
			return fmt.Errorf("unknown analyzer %q", name)
		}
		if _, err := pipeline.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}
}
