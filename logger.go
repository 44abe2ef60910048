package esi

import (
	"io"
	"log/slog"
	"sync"
)

// Logger receives leveled, structured diagnostics as alternating key/value
// pairs after the message.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SinkLogger writes to any io.Writer: structured records through a slog text
// handler, and raw messages through Write.
type SinkLogger struct {
	out    *lockedWriter
	logger *slog.Logger
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// NewSinkLogger creates a logger writing records at or above level to w.
func NewSinkLogger(w io.Writer, level slog.Leveler) *SinkLogger {
	out := &lockedWriter{w: w}
	return &SinkLogger{
		out:    out,
		logger: slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})),
	}
}

// Write sends message to the sink verbatim, without level or formatting.
func (l *SinkLogger) Write(message string) {
	_, _ = io.WriteString(l.out, message)
}

func (l *SinkLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *SinkLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *SinkLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *SinkLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
