// Package logging configures the process-wide logrus logger and carries the
// verbose toggle used to gate subprocess output snippet capture in hot paths.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var verboseEnabled atomic.Bool

func init() {
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("VERBOSE_LOGGING"))); env != "" {
		switch env {
		case "1", "true", "yes", "y", "on":
			verboseEnabled.Store(true)
		case "0", "false", "no", "n", "off":
			verboseEnabled.Store(false)
		}
	}
}

// VerboseEnabled returns whether verbose logging is enabled.
// This is used to gate provider stdout/stderr snippet capture in hot paths.
func VerboseEnabled() bool {
	return verboseEnabled.Load()
}

// SetVerboseEnabled updates the verbose logging toggle at runtime.
// Note: this does not adjust log levels; it only gates snippet capture.
func SetVerboseEnabled(enabled bool) {
	verboseEnabled.Store(enabled)
}

// Options controls logger construction.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", "error").
	// Empty or unknown values fall back to info.
	Level string

	// File, when non-empty, routes log output to a size-rotated file in
	// addition to stderr.
	File string

	// MaxSizeMB caps the rotated file size. <= 0 uses 100.
	MaxSizeMB int

	// MaxBackups caps retained rotated files. <= 0 uses 3.
	MaxBackups int
}

// Setup configures the global logrus logger. Safe to call once at startup.
func Setup(opts Options) {
	level, err := log.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if opts.File == "" {
		log.SetOutput(os.Stderr)
		return
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	rotated := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotated))
}

// Snippet truncates s for log capture. Returns s unchanged when it fits.
func Snippet(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
