// Package logging provides leveled console output for coordinators.
// Storage is the record of truth; these lines exist for operators watching
// lease hand-offs and batch outcomes in real time.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes one line per entry: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	contextID string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// New creates a new Logger writing to stdout at INFO.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		contextID: l.contextID,
	}
}

// WithContextID returns a new logger that tags every line with ctx=<id>.
func (l *Logger) WithContextID(id string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		contextID: id,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.contextID != "" {
		fieldStr += " ctx=" + l.contextID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Coordinator event helpers ---

// LeaseChanged logs a change in lease status (claimed, lost, released).
func (l *Logger) LeaseChanged(status, owner string) {
	l.Info("lease_changed", map[string]interface{}{
		"status": status,
		"owner":  owner,
	})
}

// BatchStart logs the hand-off of a batch to the process function.
func (l *Logger) BatchStart(size, remaining int) {
	l.Debug("batch_start", map[string]interface{}{
		"size":      size,
		"remaining": remaining,
	})
}

// BatchComplete logs a successful batch.
func (l *Logger) BatchComplete(size int, duration time.Duration) {
	l.Info("batch_complete", map[string]interface{}{
		"size":     size,
		"duration": duration.String(),
	})
}

// BatchFailed logs a failed batch and the backoff it triggered.
func (l *Logger) BatchFailed(size int, errorCount int, backoff time.Duration, err error) {
	fields := map[string]interface{}{
		"size":        size,
		"error_count": errorCount,
		"backoff":     backoff.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("batch_failed", fields)
}

// BackoffArmed logs that processing is paused until the given time.
func (l *Logger) BackoffArmed(backoff time.Duration, until time.Time) {
	l.Debug("backoff_armed", map[string]interface{}{
		"backoff": backoff.String(),
		"until":   until.UTC().Format(time.RFC3339Nano),
	})
}
