// Package logger wraps log/slog for the engine: leveled JSON or text
// output, masking of credential-bearing attributes, and optional
// sampling for high-volume production logging.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level    string
	Format   string
	Output   io.Writer
	Sampling SamplingConfig
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level == slog.LevelDebug,
		ReplaceAttr: maskAttr,
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	handler = newSamplingHandler(handler, cfg.Sampling)

	return &Logger{Logger: slog.New(handler)}
}

// NewDefault returns an info-level JSON logger on stdout.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "json"})
}

// NewDevelopment returns a debug-level text logger.
func NewDevelopment() *Logger {
	return New(Config{Level: "debug", Format: "text"})
}

// NewProduction returns a JSON logger with sampling enabled.
func NewProduction(sampling SamplingConfig) *Logger {
	sampling.Enabled = true
	if sampling.Tick <= 0 {
		sampling.Tick = time.Second
	}
	return New(Config{Level: "info", Format: "json", Sampling: sampling})
}

// NewNop returns a logger that discards everything. Test helper.
func NewNop() *Logger {
	return New(Config{Level: "error", Output: io.Discard})
}

// sensitiveKeys are masked in log output. Scan profiles carry custom
// headers and tool API keys; none of that belongs in logs.
var sensitiveKeys = map[string]bool{
	"password":       true,
	"secret":         true,
	"token":          true,
	"authorization":  true,
	"api_key":        true,
	"apikey":         true,
	"custom_header":  true,
	"webhook_secret": true,
	"dsn":            true,
	"database_url":   true,
	"redis_password": true,
	"access_key":     true,
	"secret_key":     true,
	"credential":     true,
	"credentials":    true,
	"private_key":    true,
	"cookie":         true,
}

func maskAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	for sensitive := range sensitiveKeys {
		if strings.Contains(key, sensitive) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithError returns a new Logger carrying the error attribute.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.Logger.With(slog.Any("error", err))}
}

// SetDefault installs this logger as the process-wide slog default.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type contextKey struct{}

type requestIDKey struct{}

// ContextKeyRequestID is the context key under which HTTP middleware
// stores the request ID.
var ContextKeyRequestID = requestIDKey{}

// RequestIDFromContext returns the request ID stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// ToContext attaches the logger to ctx.
func ToContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger attached to ctx, or the default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return l
	}
	return NewDefault()
}
