// Package util holds the process-wide logger shared by the relay and the peer.
package util

import (
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
)

// logger writes to stderr so the peer's stdout carries only session output.
var logger = pterm.DefaultLogger.
	WithTime(true).
	WithTimeFormat("2006-01-02 15:04:05").
	WithMaxWidth(1000).
	WithWriter(os.Stderr)

var levels = map[string]pterm.LogLevel{
	"debug": pterm.LogLevelDebug,
	"info":  pterm.LogLevelInfo,
	"warn":  pterm.LogLevelWarn,
	"error": pterm.LogLevelError,
}

// Configure sets the minimum level (debug, info, warn, error) and the output
// format (text or json).
func Configure(level, format string) error {
	lvl, ok := levels[strings.ToLower(level)]
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	switch strings.ToLower(format) {
	case "", "text":
		logger.Formatter = pterm.LogFormatterColorful
	case "json":
		logger.Formatter = pterm.LogFormatterJSON
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	logger.Level = lvl
	return nil
}

// EnableDebug is shorthand for the debug level in the current format.
func EnableDebug() {
	logger.Level = pterm.LogLevelDebug
}

func LogDebug(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

// LogSuccess reports a milestone to the user on stdout with pterm's success
// prefix. It is not filtered by level.
func LogSuccess(format string, args ...interface{}) {
	pterm.Success.Printfln(format, args...)
}
