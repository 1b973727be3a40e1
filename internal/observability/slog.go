package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LogOptions configure the runtime logger sink.
type LogOptions struct {
	// Dir is the log directory. Empty means log to stderr only.
	Dir      string
	Level    string
	MaxBytes int64
	MaxFiles int
}

const (
	defaultLogMaxBytes = 10 << 20
	defaultLogMaxFiles = 5
)

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an slog logger in the shared Logger interface.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return slogLogger{l: l}
}

func (s slogLogger) Debug(msg string, fields ...Field) { s.l.Debug(msg, attrs(fields)...) }
func (s slogLogger) Info(msg string, fields ...Field)  { s.l.Info(msg, attrs(fields)...) }
func (s slogLogger) Warn(msg string, fields ...Field)  { s.l.Warn(msg, attrs(fields)...) }
func (s slogLogger) Error(msg string, fields ...Field) { s.l.Error(msg, attrs(fields)...) }

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

// NewRuntimeLogger builds the process logger: a JSON handler on a
// size-rotated file under opts.Dir, or a text handler on stderr when no
// directory is configured. The returned closer owns the file sink.
func NewRuntimeLogger(opts LogOptions) (Logger, io.Closer, error) {
	level := parseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}

	if strings.TrimSpace(opts.Dir) == "" {
		return NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))), io.NopCloser(nil), nil
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultLogMaxBytes
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultLogMaxFiles
	}
	sink, err := NewRotatingWriter(filepath.Join(opts.Dir, "marketd.log"), maxBytes, maxFiles)
	if err != nil {
		return nil, nil, err
	}
	return NewSlogLogger(slog.New(slog.NewJSONHandler(sink, handlerOpts))), sink, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
