// Package klog is the kernel log: leveled lines on top of a hal.Logger.
package klog

import (
	"fmt"
	"strings"

	"rvcore/hal"
)

// Level orders log severities. Off disables logging.
type Level uint8

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "OFF"}

// ANSI colors as printed by the rCore-style kernel log.
var levelColors = [...]int{90, 32, 34, 93, 31, 0}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// ParseLevel accepts the level names case-insensitively. The empty string
// means Info.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Info, nil
	}
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return Off, fmt.Errorf("klog: unknown level %q", s)
}

// Logger writes lines at or above its level. A nil *Logger discards
// everything, so callers never need to check.
type Logger struct {
	out   hal.Logger
	level Level
	color bool
}

// New returns a logger writing to out.
func New(out hal.Logger, level Level) *Logger {
	return &Logger{out: out, level: level}
}

// WithColor enables ANSI colored lines.
func (l *Logger) WithColor(on bool) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.color = on
	return &c
}

// Enabled reports whether lines at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && l.out != nil && level >= l.level && level < Off
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	line := fmt.Sprintf("[%5s] ", level.String()) + fmt.Sprintf(format, args...)
	if l.color {
		line = fmt.Sprintf("\x1b[%dm%s\x1b[0m", levelColors[level], line)
	}
	l.out.WriteLineString(line)
}

func (l *Logger) Tracef(format string, args ...any) { l.logf(Trace, format, args...) }
func (l *Logger) Debugf(format string, args ...any) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(Error, format, args...) }
