package shardkeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// newLogHandler returns the tint handler used for every component logger
func newLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		w,
		&tint.Options{Level: level, AddSource: true},
	)
}

// componentLogger returns a logger named for the given component, using
// the level given, or the default level when nil.
func componentLogger(w io.Writer, name string, level *slog.LevelVar) *slog.Logger {
	var leveler slog.Leveler = DefaultLogLevel
	if level != nil {
		leveler = level
	}
	return slog.New(newLogHandler(w, leveler)).With(loggerNameKey, name)
}

// discordgoLoggerFunc returns a replacement for discordgo.Logger which
// writes through the given handler. discordgo's multi-line messages are
// flattened to one line.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(int, int, string, ...any) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, level, msg)
	}
}

// gormStructuredLogger implements gorm's logger.Interface on top of slog.
// Statements slower than SlowThreshold are logged at WARN, everything
// else at DEBUG.
type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(logger.LogLevel) logger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, format string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, format string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Error(ctx context.Context, format string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	sql, rowsAffected := fc()
	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.String("sql", sql),
	}
	if rowsAffected >= 0 {
		attrs = append(attrs, slog.Int64("rows", rowsAffected))
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.logger.LogAttrs(ctx, slog.LevelError, "sql error", append(attrs, tint.Err(err))...)
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold:
		attrs = append(attrs, slog.Duration("threshold", g.SlowThreshold))
		g.logger.LogAttrs(ctx, slog.LevelWarn, "slow sql", attrs...)
	default:
		g.logger.LogAttrs(ctx, slog.LevelDebug, "sql completed", attrs...)
	}
}
