// Package logging builds the structured loggers used across agentrelay.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string `json:"level" yaml:"level" toml:"level"`
	TimeFormat string `json:"time_format" yaml:"time_format" toml:"time_format"`
	ShowCaller bool   `json:"show_caller" yaml:"show_caller" toml:"show_caller"`
	JSON       bool   `json:"json" yaml:"json" toml:"json"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		TimeFormat: "15:04:05",
	}
}

// New builds a logger writing to stderr.
func New(cfg Config) *log.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(w io.Writer, cfg Config) *log.Logger {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = DefaultConfig().TimeFormat
	}
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		ReportCaller:    cfg.ShowCaller,
		Level:           ParseLevel(cfg.Level),
	}
	if cfg.JSON {
		opts.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(w, opts)
}

// ParseLevel maps a level name to a log level. Unknown names map to info;
// "trace" is accepted as an alias of debug.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
