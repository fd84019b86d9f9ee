// Package logger provides structured logging for the conversation memory service
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with service-specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "convmemory").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger for injection into components
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Info starts an info event
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Debug starts a debug event
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn starts a warning event
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Error starts an error event
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// GrpcLogger returns a logger for gRPC operations
func (l *Logger) GrpcLogger(method string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "grpc").
			Str("method", method).
			Logger(),
	}
}

// StoreLogger returns a logger for context store operations
func (l *Logger) StoreLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "store").
			Str("operation", operation).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC request
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "grpc").
			Str("method", method).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("gRPC request completed")
}

// LogStoreOperation logs a completed store operation
func (l *Logger) LogStoreOperation(operation, sessionID string, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "store").
		Str("operation", operation).
		Str("session_id", sessionID).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Warn().
			Str("component", "store").
			Str("operation", operation).
			Str("session_id", sessionID).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("Store operation completed")
}

// LogCompaction logs a compaction pass over one context
func (l *Logger) LogCompaction(contextID string, before, after, level int, ratio float64) {
	l.zlog.Info().
		Str("event", "compaction").
		Str("context_id", contextID).
		Int("turns_before", before).
		Int("turns_after", after).
		Int("compression_level", level).
		Float64("ratio", ratio).
		Msg("Context compacted")
}

// LogCleanup logs a maintenance sweep
func (l *Logger) LogCleanup(kind string, removed int, duration time.Duration) {
	l.zlog.Info().
		Str("event", "cleanup").
		Str("kind", kind).
		Int("removed", removed).
		Dur("duration_ms", duration).
		Msg("Maintenance sweep finished")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, backend string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("backend", backend).
		Msg("Conversation memory server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("Conversation memory server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("Conversation memory server shutting down")
}
