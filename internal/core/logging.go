package core

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger from logging settings.
func NewLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	return logger.Level(parseLevel(cfg.Level))
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// AuditLog writes immutable audit entries as JSON lines. Entries go to a
// rotating file when one is configured, otherwise to the fallback logger.
type AuditLog struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewAuditLog opens the audit log described by cfg.
func NewAuditLog(cfg LoggingConfig, fallback zerolog.Logger) *AuditLog {
	if cfg.AuditFile == "" {
		return &AuditLog{logger: fallback.With().Bool("audit", true).Logger()}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.AuditFile,
		MaxSize:    cfg.AuditMaxSizeMB,
		MaxBackups: cfg.AuditMaxBackups,
		MaxAge:     cfg.AuditMaxAgeDays,
		Compress:   true,
	}
	return &AuditLog{
		logger: zerolog.New(rotator).With().Timestamp().Logger(),
		closer: rotator,
	}
}

// NewAuditLogTo writes audit entries to w. Used by tests and the CLI.
func NewAuditLogTo(w io.Writer) *AuditLog {
	return &AuditLog{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// NopAuditLog discards every entry.
func NopAuditLog() *AuditLog {
	return &AuditLog{logger: zerolog.Nop()}
}

// Record starts an audit entry for action. The caller adds fields and calls Msg or Send.
func (a *AuditLog) Record(action string) *zerolog.Event {
	if a == nil {
		return nil
	}
	return a.logger.Log().Str("audit_action", action)
}

// Close closes the rotating file, if any.
func (a *AuditLog) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
