// Package logging provides the category logger used across the service.
//
// Entries are kept in an in-memory ring buffer (served by the HTTP API) and
// written to a zerolog console sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level is a log severity.
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
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) zlevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel parses "debug", "info", "warn" or "error".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatPCSC      Category = "pcsc"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is one buffered log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger keeps the last N entries at or above its level.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	level   Level
	out     zerolog.Logger
}

// New returns a logger buffering size entries and writing to w.
// A nil w disables the console sink.
func New(size int, level Level, w io.Writer) *Logger {
	if size <= 0 {
		size = 1
	}
	out := zerolog.Nop()
	if w != nil {
		out = zerolog.New(w).With().Timestamp().Logger().Level(level.zlevel())
	}
	return &Logger{
		entries: make([]Entry, 0, size),
		level:   level,
		out:     out,
	}
}

var std atomic.Pointer[Logger]

func init() {
	std.Store(New(1000, LevelInfo, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}))
}

// Init replaces the package logger.
func Init(size int, level Level) {
	std.Store(New(size, level, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}))
}

// SetDefault installs l as the package logger.
func SetDefault(l *Logger) {
	std.Store(l)
}

// Default returns the package logger.
func Default() *Logger {
	return std.Load()
}

func Debug(cat Category, msg string, fields map[string]any) { Default().Log(LevelDebug, cat, msg, fields) }
func Info(cat Category, msg string, fields map[string]any)  { Default().Log(LevelInfo, cat, msg, fields) }
func Warn(cat Category, msg string, fields map[string]any)  { Default().Log(LevelWarn, cat, msg, fields) }
func Error(cat Category, msg string, fields map[string]any) { Default().Log(LevelError, cat, msg, fields) }

// Entries returns up to limit buffered entries (oldest first) at or above minLevel.
func Entries(limit int, minLevel Level) []Entry {
	return Default().Entries(limit, minLevel)
}

// Log records an entry.
func (l *Logger) Log(level Level, cat Category, msg string, fields map[string]any) {
	if level < l.level {
		return
	}

	e := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Category:  cat,
		Message:   msg,
	}
	if len(fields) > 0 {
		e.Fields = make(map[string]any, len(fields))
		for k, v := range fields {
			e.Fields[k] = v
		}
	}

	l.mu.Lock()
	if len(l.entries) < cap(l.entries) {
		l.entries = append(l.entries, e)
	} else {
		l.entries[l.next] = e
		l.full = true
	}
	l.next = (l.next + 1) % cap(l.entries)
	l.mu.Unlock()

	ev := l.out.WithLevel(level.zlevel()).Str("category", string(cat))
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

// Entries returns up to limit entries (oldest first) at or above minLevel.
// A limit <= 0 returns everything buffered.
func (l *Logger) Entries(limit int, minLevel Level) []Entry {
	l.mu.Lock()
	ordered := make([]Entry, 0, len(l.entries))
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
		ordered = append(ordered, l.entries[:l.next]...)
	} else {
		ordered = append(ordered, l.entries...)
	}
	l.mu.Unlock()

	out := ordered[:0]
	for _, e := range ordered {
		if lvl, err := ParseLevel(e.Level); err == nil && lvl >= minLevel {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear drops all buffered entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.next = 0
	l.full = false
	l.mu.Unlock()
}
