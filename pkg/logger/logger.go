// Package logger writes the engine's structured JSON log lines. Every line
// carries the fields of the logger it was written through, and WithSpan
// correlates it with the active OpenTelemetry span.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Level is the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError

	levelOff
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a LOG_LEVEL value to a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Field is one structured key-value pair.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field    { return Field{Key: key, Value: value} }
func Int(key string, value int) Field   { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field   { return Field{Key: key, Value: value} }

// Duration renders d in Go duration notation, e.g. "1.5s".
func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d.String()}
}

// Err records err under "error". A nil error is recorded as null.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE FIELDS
// ══════════════════════════════════════════════════════════════════════════════

func StudentID(id string) Field      { return String("student_id", id) }
func RequestID(id string) Field      { return String("request_id", id) }
func Fingerprint(fp string) Field    { return String("fingerprint", fp) }
func ArtifactKind(kind string) Field { return String("artifact_kind", kind) }
func CohortSize(n int) Field         { return Int("cohort_size", n) }
func SessionCount(n int) Field       { return Int("session_count", n) }
func PolicyVersion(v string) Field   { return String("policy_version", v) }
func Granularity(g string) Field     { return String("granularity", g) }
func Component(name string) Field    { return String("component", name) }
func Operation(name string) Field    { return String("operation", name) }
func Breaker(name string) Field      { return String("breaker", name) }
func Attempt(n int) Field            { return Int("attempt", n) }
func Latency(d time.Duration) Field  { return Duration("latency", d) }

// ══════════════════════════════════════════════════════════════════════════════
// LOGGER
// ══════════════════════════════════════════════════════════════════════════════

// LogEntry is the JSON shape of one line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// sink is shared by a logger and everything derived from it, so lines
// written concurrently through different children never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sink) write(entry LogEntry) {
	data, err := json.Marshal(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		fmt.Fprintf(s.out, "%s [%s] %s (unencodable fields: %v)\n", entry.Timestamp, entry.Level, entry.Message, err)
		return
	}
	s.out.Write(append(data, '\n'))
}

// Logger writes leveled lines with a fixed set of base fields.
type Logger struct {
	sink   *sink
	level  Level
	fields []Field
}

// Options configures New.
type Options struct {
	// Output defaults to stdout.
	Output io.Writer
	Level  Level
}

// New creates a root logger.
func New(opts Options) *Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Logger{sink: &sink{out: opts.Output}, level: opts.Level}
}

// Default logs at info level to stdout.
func Default() *Logger {
	return New(Options{Level: LevelInfo})
}

// Nop discards everything.
func Nop() *Logger {
	return New(Options{Output: io.Discard, Level: levelOff})
}

// With returns a child logger carrying fields in addition to l's.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{sink: l.sink, level: l.level, fields: merged}
}

// WithSpan adds the trace and span ids of the span carried by ctx.
func (l *Logger) WithSpan(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(String("trace_id", sc.TraceID().String()), String("span_id", sc.SpanID().String()))
}

// Enabled reports whether lines at level are written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) log(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
	}
	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
		// Later fields win, so a call site can override a base field.
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}
	l.sink.write(entry)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

// ══════════════════════════════════════════════════════════════════════════════
// CONTEXT
// ══════════════════════════════════════════════════════════════════════════════

type ctxKey struct{}

// WithContext attaches l to ctx. The HTTP middleware stores the request
// scoped logger this way.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached to ctx, or Default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return Default()
}
