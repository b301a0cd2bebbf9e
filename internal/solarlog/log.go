// Package solarlog provides the process-wide logger used across the
// controller daemon. It wraps logrus with the same custom, bracketed
// level formatter the rest of the fleet's tooling uses.
package solarlog

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a *logrus.Logger; re-exported so callers don't need to
// import logrus directly.
type Logger = logrus.Logger

type bracketFormatter struct{}

func (f *bracketFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

// New creates a logger at the given level ("debug", "info", "warn",
// "error"). An unknown level falls back to "info" with a warning.
func New(level string) *Logger {
	log := logrus.New()
	log.SetFormatter(&bracketFormatter{})
	setLevel(log, level)
	return log
}

func setLevel(log *Logger, level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("unknown log level, defaulting to info")
	}
}

// SetLevel changes the level of an already-created logger.
func SetLevel(log *Logger, level string) {
	setLevel(log, level)
}
