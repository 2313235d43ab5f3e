// Package logging wraps log/slog for markd and markctl.
//
// Loggers carry a "component" attribute and write to stderr, stdout, a
// size-rotated file, or the file and stderr together. Values under keys
// that look like credentials are replaced before they reach the output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format picks the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

var levelNames = []struct {
	name  string
	level Level
}{
	{"debug", LevelDebug},
	{"info", LevelInfo},
	{"warn", LevelWarn},
	{"warning", LevelWarn},
	{"error", LevelError},
}

// ParseLevel accepts debug, info, warn, warning and error in any case.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, n := range levelNames {
		if n.name == s {
			return n.level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// LevelString names level the way ParseLevel reads it back.
func LevelString(level Level) string {
	switch {
	case level <= LevelDebug:
		return "debug"
	case level <= LevelInfo:
		return "info"
	case level <= LevelWarn:
		return "warn"
	}
	return "error"
}

// Config describes where and how records are written.
type Config struct {
	Level     Level
	Format    Format
	Component string // attached to every record
	AddSource bool

	// Output is stdout, stderr, file or both. Writer, when set, wins.
	Output string
	Writer io.Writer

	// File rotation. MaxSize is in megabytes, MaxAge in days.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
}

func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Component:  "markd",
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSize:    20,
		MaxAge:     14,
		MaxBackups: 4,
		Compress:   true,
	}
}

// DefaultLogPath is Library/Logs on macOS, LOCALAPPDATA on Windows and
// XDG_STATE_HOME (or ~/.local/state) elsewhere.
func DefaultLogPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "markd", "markd.log")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, "markd", "logs", "markd.log")
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "markd", "markd.log")
}

// Logger is a *slog.Logger that also owns its log file, if any. Children
// made with the With* helpers share the file.
type Logger struct {
	*slog.Logger
	file *fileHandle
}

type fileHandle struct {
	mu sync.Mutex
	r  *FileRotator
}

// New builds a Logger. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	w, rot, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource, ReplaceAttr: redact}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return &Logger{Logger: slog.New(h), file: &fileHandle{r: rot}}, nil
}

func openOutput(cfg *Config) (io.Writer, *FileRotator, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}
	switch out := strings.ToLower(cfg.Output); out {
	case "stdout":
		return os.Stdout, nil, nil
	case "file", "both":
		rot, err := NewFileRotator(cfg)
		if err != nil {
			return nil, nil, err
		}
		if out == "both" {
			return io.MultiWriter(os.Stderr, rot), rot, nil
		}
		return rot, rot, nil
	}
	return os.Stderr, nil, nil
}

// Nop discards everything.
func Nop() *Logger {
	l, _ := New(&Config{Level: LevelError + 4, Writer: io.Discard})
	return l
}

// SetDefault makes l the logger behind slog's package functions.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

var sensitive = []string{
	"password", "secret", "token", "credential", "cookie", "auth",
	"apikey", "api_key", "bearer",
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String(key, value)), file: l.file}
}

func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

func (l *Logger) WithRequestID(id string) *Logger { return l.with("request_id", id) }

// WithDocument tags records with a page key.
func (l *Logger) WithDocument(key string) *Logger { return l.with("doc", key) }

// WithContext adds the request id stored by ContextWithRequestID, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// Sync flushes the log file.
func (l *Logger) Sync() error {
	l.file.mu.Lock()
	defer l.file.mu.Unlock()
	if l.file.r == nil {
		return nil
	}
	return l.file.r.Sync()
}

// Close closes the log file. Children share it, so close only the root.
func (l *Logger) Close() error {
	l.file.mu.Lock()
	defer l.file.mu.Unlock()
	if l.file.r == nil {
		return nil
	}
	return l.file.r.Close()
}

type requestIDKey struct{}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
