/*
Package logging provides the leveled, colored logger used across the service.

FORMAT:
  2026/10/17 14:03:12 INFO  [ledger] recorded completion u-1/bike (new)

  The level tag is colored (debug cyan, info green, warn yellow, error red)
  when the output is a terminal and color is enabled. The component prefix
  keeps the "[Scheduler] ..." style used in log lines elsewhere.

USAGE:
  log := logging.New("scheduler")
  log.Infof("started with interval %v", interval)

  // Tests
  log := logging.Discard()
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelTags = map[Level]func(a ...interface{}) string{
	LevelDebug: color.New(color.FgCyan).SprintFunc(),
	LevelInfo:  color.New(color.FgGreen).SprintFunc(),
	LevelWarn:  color.New(color.FgYellow).SprintFunc(),
	LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
}

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO ",
	LevelWarn:  "WARN ",
	LevelError: "ERROR",
}

// SetColor globally enables or disables colored level tags.
func SetColor(enabled bool) {
	color.NoColor = !enabled
}

// ParseLevel maps "debug", "info", "warn", "error" to a Level.
// Unknown values give LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled lines for one component. Safe for concurrent use;
// loggers derived with With share the writer lock.
type Logger struct {
	mu        *sync.Mutex
	out       io.Writer
	component string
	level     Level
}

// New returns an info-level logger writing to stderr.
func New(component string) *Logger {
	return &Logger{
		mu:        &sync.Mutex{},
		out:       os.Stderr,
		component: component,
		level:     LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New("")
	l.out = io.Discard
	return l
}

// With returns a logger for another component sharing output and level.
func (l *Logger) With(component string) *Logger {
	return &Logger{mu: l.mu, out: l.out, component: component, level: l.level}
}

// WithOutput returns a copy writing to w.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return &Logger{mu: &sync.Mutex{}, out: w, component: l.component, level: l.level}
}

// WithLevel returns a copy with a minimum level.
func (l *Logger) WithLevel(level Level) *Logger {
	return &Logger{mu: l.mu, out: l.out, component: l.component, level: level}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006/01/02 15:04:05")
	tag := levelTags[level](levelNames[level])

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		fmt.Fprintf(l.out, "%s %s [%s] %s\n", ts, tag, l.component, msg)
		return
	}
	fmt.Fprintf(l.out, "%s %s %s\n", ts, tag, msg)
}
