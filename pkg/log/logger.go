// Package log provides structured logging for the pool coordinator.
// It wraps the standard library's slog package with pool-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/poolcore/pkg/errors"
)

type ctxKey string

// Context keys picked up by WithContext.
const (
	ConnectionIDKey ctxKey = "connection_id"
	RequestIDKey    ctxKey = "request_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "text")
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext returns a logger carrying the connection and request ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if id := ctx.Value(ConnectionIDKey); id != nil {
		logger = logger.With(string(ConnectionIDKey), id)
	}
	if id := ctx.Value(RequestIDKey); id != nil {
		logger = logger.With(string(RequestIDKey), id)
	}
	return l.derive(logger)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithConnection returns a logger scoped to one miner connection.
func (l *Logger) WithConnection(connID, remoteAddr string) *Logger {
	return l.WithFields("connection_id", connID, "remote_addr", remoteAddr)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(miner, worker string) *Logger {
	return l.WithFields("miner", miner, "worker", worker)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, blockHeight int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", blockHeight)
}

// WithError returns a logger with error context. Structured service errors
// also contribute their type, operation and context fields.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	fields := []any{"error", err.Error()}
	var se *errors.ServiceError
	if errors.As(err, &se) {
		fields = append(fields, se.LogAttrs()...)
	}
	return l.WithFields(fields...)
}

// HumanDuration renders d the way operators read it, e.g. "15 minutes".
func HumanDuration(d time.Duration) string {
	return durafmt.Parse(d).LimitFirstN(2).String()
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction string, message []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("stratum message",
		"direction", direction,
		"message", string(message),
	)
}

// Mining-specific logging helpers

// LogShareSubmission logs the verdict for one share.
func (l *Logger) LogShareSubmission(miner, worker, jobID string, difficulty float64, status string) {
	l.Debug("share submission",
		"miner", miner,
		"worker", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a block candidate was accepted upstream
func (l *Logger) LogBlockFound(blockHash string, blockHeight int64, miner, worker string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", blockHeight,
		"miner", miner,
		"worker", worker,
		"difficulty", difficulty,
	)
}

// LogJobDistribution logs job distribution
func (l *Logger) LogJobDistribution(jobID string, blockHeight int64, cleanJobs bool, minerCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", blockHeight,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}

// LogBan logs a ban issued against a remote address.
func (l *Logger) LogBan(remoteAddr, reason string, duration time.Duration) {
	l.Warn("address banned",
		"remote_addr", remoteAddr,
		"reason", reason,
		"duration", HumanDuration(duration),
	)
}

// LogRetarget logs a difficulty change queued for a connection.
func (l *Logger) LogRetarget(connID string, oldDiff, newDiff float64, idle bool) {
	l.Debug("difficulty retarget",
		"connection_id", connID,
		"old_difficulty", oldDiff,
		"new_difficulty", newDiff,
		"idle", idle,
	)
}
