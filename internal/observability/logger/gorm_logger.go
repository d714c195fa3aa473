package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the zap-backed GORM logger.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// Base receives every entry. zap.L() is used when nil.
	Base *zap.Logger
}

// DefaultGormLoggerConfig logs failed and slow statements plus guarded
// writes that changed nothing.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 250 * time.Millisecond,
	}
}

// ParseGormLevel maps silent|error|warn|info to a GORM level, defaulting to warn.
func ParseGormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent", "off":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// GormLogger implements gormlogger.Interface. Statements are tagged with the
// table they touch so confirmation, outbox and subscription queries can be
// told apart without reading SQL.
type GormLogger struct {
	base          *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{
		base:          cfg.Base,
		level:         cfg.Level,
		slowThreshold: cfg.SlowThreshold,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copy := *l
	copy.level = level
	return &copy
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Info {
		return
	}
	l.logger(ctx).Info(msg, zap.Any("data", data))
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Warn {
		return
	}
	l.logger(ctx).Warn(msg, zap.Any("data", data))
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Error {
		return
	}
	l.logger(ctx).Error(msg, zap.Any("data", data))
}

// Trace logs one statement. Record-not-found is never an error here: the
// repositories map missing rows to nil results.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	if errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}

	sql, rows := fc()
	stmt := describeStatement(sql)

	switch {
	case err != nil && l.level >= gormlogger.Error:
		l.logStatement(ctx, "db.query.failed", stmt, rows, elapsed, err, zapcore.ErrorLevel)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logStatement(ctx, "db.query.slow", stmt, rows, elapsed, nil, zapcore.WarnLevel)
	case err == nil && stmt.write() && rows == 0 && l.level >= gormlogger.Warn:
		// Status swaps and ON CONFLICT DO NOTHING inserts land here when
		// another delivery got there first.
		l.logStatement(ctx, "db.write.noop", stmt, rows, elapsed, nil, zapcore.InfoLevel)
	case l.level >= gormlogger.Info:
		l.logStatement(ctx, "db.query", stmt, rows, elapsed, err, zapcore.DebugLevel)
	}
}

// ParamsFilter drops bound values; tokens and emails must not reach the logs.
func (l *GormLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logger(ctx context.Context) *zap.Logger {
	base := l.base
	if base == nil {
		base = zap.L()
	}
	return WithContext(ctx, base).With(zap.String("component", "db"))
}

func (l *GormLogger) logStatement(
	ctx context.Context,
	msg string,
	stmt statement,
	rows int64,
	elapsed time.Duration,
	err error,
	level zapcore.Level,
) {
	fields := []zap.Field{
		zap.String("operation", stmt.operation),
		zap.String("table", stmt.table),
		zap.String("sql", stmt.sql),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if ce := l.logger(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

type statement struct {
	sql       string
	operation string
	table     string
}

func (s statement) write() bool {
	return s.operation == "INSERT" || s.operation == "UPDATE" || s.operation == "DELETE"
}

// describeStatement finds the leading operation and the first table it
// reads or writes.
func describeStatement(sql string) statement {
	stmt := statement{
		sql:       strings.Join(strings.Fields(sql), " "),
		operation: "UNKNOWN",
		table:     "unknown",
	}
	tokens := strings.Fields(sql)
	for i, raw := range tokens {
		token := strings.ToUpper(strings.Trim(raw, "();"))
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if stmt.operation == "UNKNOWN" {
				stmt.operation = token
			}
			if token == "UPDATE" && i+1 < len(tokens) && stmt.table == "unknown" {
				stmt.table = tableName(tokens[i+1])
			}
		case "FROM", "INTO":
			if i+1 < len(tokens) && stmt.table == "unknown" {
				stmt.table = tableName(tokens[i+1])
			}
		}
		if stmt.operation != "UNKNOWN" && stmt.table != "unknown" {
			break
		}
	}
	return stmt
}

func tableName(token string) string {
	name, _, _ := strings.Cut(token, "(")
	name = strings.Trim(name, "\"`();,")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.Trim(name, "\"`")
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(name)
}

var _ gormlogger.Interface = (*GormLogger)(nil)
