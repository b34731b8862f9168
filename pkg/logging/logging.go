package logging

import (
	"fmt"
	"strings"
)

// Logger is the structured logging interface used across the entrypoint.
// Backend types never leak through it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	LogWithFields(level Level, msg string, fields ...Field)

	WithFields(fields ...Field) Logger
	WithError(err error) Logger
	WithComponent(component string) Logger

	Enabled(level Level) bool
	Sync() error
}

// Level is a record severity
type Level int8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error, case-insensitively
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %q", s)
	}
}

// MarshalYAML renders the level by name
func (l Level) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}
