package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger provides structured logging for journald
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	debug  bool
}

// New creates a new logger instance writing to stderr, leaving stdout to
// the report.
func New() *Logger {
	return &Logger{
		writer: os.Stderr,
	}
}

// NewWithWriter creates a logger with a custom writer
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{
		writer: w,
	}
}

// SetDebug enables or disables Debug output.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// Info logs informational messages
func (l *Logger) Info(msg string, fields ...Field) {
	l.log("INFO", msg, fields...)
}

// Error logs error messages
func (l *Logger) Error(msg string, fields ...Field) {
	l.log("ERROR", msg, fields...)
}

// Warn logs warning messages
func (l *Logger) Warn(msg string, fields ...Field) {
	l.log("WARNING", msg, fields...)
}

// Debug logs debug messages when enabled with SetDebug
func (l *Logger) Debug(msg string, fields ...Field) {
	l.mu.Lock()
	enabled := l.debug
	l.mu.Unlock()
	if !enabled {
		return
	}
	l.log("DEBUG", msg, fields...)
}

func (l *Logger) log(level, msg string, fields ...Field) {
	output := fmt.Sprintf("LEVEL=%s MESSAGE=%s", level, msg)
	for _, field := range fields {
		output += fmt.Sprintf(" %s=%v", field.Key, field.Value)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintln(l.writer, output)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new field (shorthand)
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Common field constructors
func Action(value string) Field           { return F("ACTION", value) }
func Status(value string) Field           { return F("STATUS", value) }
func VM(value string) Field               { return F("VM", value) }
func VMID(value string) Field             { return F("VM_ID", value) }
func Host(value string) Field             { return F("HOST", value) }
func User(value string) Field             { return F("USER", value) }
func Count(value int) Field               { return F("COUNT", value) }
func Error(value error) Field             { return F("ERROR", value) }
func Mode(value fmt.Stringer) Field       { return F("MODE", value) }
func PowerState(value fmt.Stringer) Field { return F("POWER_STATE", value) }
func Group(value int) Field               { return F("GROUP", value) }
func Attempt(value int) Field             { return F("ATTEMPT", value) }
func Succeeded(value int) Field           { return F("SUCCEEDED", value) }
func Failed(value int) Field              { return F("FAILED", value) }
func Skipped(value int) Field             { return F("SKIPPED", value) }
func Duration(value time.Duration) Field  { return F("DURATION", value) }
func Reason(value string) Field           { return F("REASON", value) }
func RunID(value string) Field            { return F("RUN_ID", value) }
