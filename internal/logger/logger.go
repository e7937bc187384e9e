// Package logger provides structured logging for the Gavran storage engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a structured logger from cfg; use Component to scope it to
// one engine component.
func New(cfg Config) *Logger {
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
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "gavran").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Component returns a logger scoped to a named engine component (txn, wal,
// recovery, database, gc).
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// Info logs an info message.
func (l *Logger) Info(msg string) *zerolog.Event { return l.zlog.Info().Str("msg", msg) }

// Debug logs a debug message.
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) *zerolog.Event { return l.zlog.Warn().Str("msg", msg) }

// Error logs an error message.
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// LogTxnCommit logs a completed commit.
func (l *Logger) LogTxnCommit(txID uint64, pages int, dur time.Duration) {
	l.zlog.Info().
		Uint64("tx_id", txID).
		Int("modified_pages", pages).
		Dur("duration_ms", dur).
		Msg("transaction committed")
}

// LogTxnRollback logs a rolled-back transaction.
func (l *Logger) LogTxnRollback(txID uint64, reason error) {
	event := l.zlog.Warn().Uint64("tx_id", txID)
	if reason != nil {
		event = event.Err(reason)
	}
	event.Msg("transaction rolled back")
}

// LogCheckpoint logs a WAL checkpoint.
func (l *Logger) LogCheckpoint(file string, resetTo int64) {
	l.zlog.Info().
		Str("wal_file", file).
		Int64("reset_size", resetTo).
		Msg("wal checkpoint")
}

// LogRecovery logs recovery progress.
func (l *Logger) LogRecovery(file string, recoveredTx uint64, err error) {
	event := l.zlog.Info().Str("wal_file", file).Uint64("recovered_tx_id", recoveredTx)
	if err != nil {
		event = l.zlog.Error().Str("wal_file", file).Uint64("recovered_tx_id", recoveredTx).Err(err)
	}
	event.Msg("recovery progress")
}

// LogGC logs a GC merge cycle.
func (l *Logger) LogGC(mergedTx uint64, pages int, checkpointed bool) {
	l.zlog.Debug().
		Uint64("merged_up_to_tx_id", mergedTx).
		Int("pages_written", pages).
		Bool("checkpointed", checkpointed).
		Msg("gc cycle")
}

var global *Logger

// Init initializes the package-level logger and mirrors it into zerolog's
// own global logger, the way the teacher's InitGlobalLogger does.
func Init(cfg Config) {
	global = New(cfg)
	log.Logger = global.zlog
}

// Global returns the package-level logger, initializing a sane default if
// Init was never called.
func Global() *Logger {
	if global == nil {
		Init(Config{Level: "info", Pretty: true})
	}
	return global
}
