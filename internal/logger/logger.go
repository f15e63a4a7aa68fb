// Package logger wraps logrus with the console/file fan-out pattern the
// teacher repo uses, generalized from TZSP-specific call sites to the
// cache/pipeline/exporter lifecycle messages this daemon logs.
package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ConsoleConfig configures the console destination.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// FileConfig configures the file destination.
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Path    string `yaml:"path"`
}

// Config holds logger configuration.
type Config struct {
	Console ConsoleConfig `yaml:"console"`
	File    FileConfig    `yaml:"file"`
}

// Logger fans out structured log messages to a console logger, a file
// logger, or both.
type Logger struct {
	console *logrus.Logger
	file    *logrus.Logger
}

// NewLogger builds a Logger from cfg. When neither destination is enabled,
// it defaults to a text console logger at info level, matching the
// teacher's "ensure at least one logger is configured" fallback.
func NewLogger(cfg *Config) (*Logger, error) {
	l := &Logger{}

	if cfg.Console.Enabled || (!cfg.Console.Enabled && !cfg.File.Enabled) {
		l.console = newLogrus(cfg.Console.Level, cfg.Console.Format, os.Stdout)
	}

	if cfg.File.Enabled {
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logger: open log file: %w", err)
		}
		l.file = newLogrus(cfg.File.Level, cfg.File.Format, f)
	}

	return l, nil
}

func newLogrus(level, format string, out *os.File) *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	log.SetOutput(out)
	return log
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			f[key] = kv[i+1]
		}
	}
	return f
}

func (l *Logger) emit(level logrus.Level, msg string, kv []interface{}) {
	f := fields(kv)
	for _, log := range []*logrus.Logger{l.console, l.file} {
		if log == nil {
			continue
		}
		entry := log.WithFields(f)
		switch level {
		case logrus.InfoLevel:
			entry.Info(msg)
		case logrus.WarnLevel:
			entry.Warn(msg)
		case logrus.ErrorLevel:
			entry.Error(msg)
		case logrus.DebugLevel:
			entry.Debug(msg)
		}
	}
}

func (l *Logger) Info(msg string, kv ...interface{})  { l.emit(logrus.InfoLevel, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.emit(logrus.WarnLevel, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.emit(logrus.ErrorLevel, msg, kv) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.emit(logrus.DebugLevel, msg, kv) }
