// Package logger implements the structured logger shared by the command
// handlers, query handlers, scheduled jobs and the ops HTTP server. Every
// record is a single JSON object on one line with a fixed envelope (ts,
// level, msg) and the accumulated fields flattened alongside it, so a log
// pipeline can index entries without custom parsing.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders record severities. Records below the logger's configured
// level are dropped before any field is rendered.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a configuration string to a Level. Unknown values fall
// back to info so a typo in LOG_LEVEL never silences the service.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Field is one key/value pair attached to a record.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field    { return Field{Key: key, Value: value} }
func Int(key string, value int) Field   { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field   { return Field{Key: key, Value: value} }

// Err attaches an error under the "error" key. A nil error renders as null
// so callers can log the same statement on both paths.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Helpers for the field names that recur across commands, jobs and
// handlers. Centralizing them keeps the keys greppable in aggregated logs.
func UserID(id string) Field        { return String("user_id", id) }
func Timeframe(tf string) Field     { return String("timeframe", tf) }
func PlayersCount(n int) Field      { return Int("players", n) }
func Component(name string) Field   { return String("component", name) }
func Latency(d time.Duration) Field { return String("latency", d.String()) }
func DryRun(enabled bool) Field     { return Bool("dry_run", enabled) }

// Options configures a Logger. The zero value writes info and above to
// stdout.
type Options struct {
	Output io.Writer
	Level  Level
}

// Logger writes JSON records to a single writer. It is safe for concurrent
// use; loggers derived through With share the writer and its mutex.
type Logger struct {
	mu     *sync.Mutex
	out    io.Writer
	level  Level
	fields []Field
}

// New returns a Logger for the given options.
func New(opts Options) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		mu:    &sync.Mutex{},
		out:   out,
		level: opts.Level,
	}
}

var defaultLogger = New(Options{})

// Default returns the process-wide fallback logger. Constructors accept it
// in place of a nil dependency so components never guard their log calls.
func Default() *Logger {
	return defaultLogger
}

// With returns a Logger that attaches the given fields to every record.
// The receiver is not modified.
func (l *Logger) With(fields ...Field) *Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{
		mu:     l.mu,
		out:    l.out,
		level:  l.level,
		fields: merged,
	}
}

// Debug, Info, Warn and Error emit one record at the named level.
func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}

	record := make(map[string]any, len(l.fields)+len(fields)+3)
	for _, f := range l.fields {
		record[f.Key] = f.Value
	}
	for _, f := range fields {
		record[f.Key] = f.Value
	}
	// Envelope keys win over any field that reuses their name.
	record["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = level.String()
	record["msg"] = msg

	line, err := json.Marshal(record)
	if err != nil {
		// An unmarshalable field value must not swallow the record.
		line = []byte(fmt.Sprintf(`{"ts":%q,"level":%q,"msg":%q,"logger_error":%q}`,
			time.Now().UTC().Format(time.RFC3339Nano), level.String(), msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}
