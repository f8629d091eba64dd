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

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Level                gormlogger.LogLevel
	SlowThreshold        time.Duration
	IgnoreRecordNotFound bool
	// IsExpectedErr marks errors that are normal outcomes, such as lost uniqueness races.
	IsExpectedErr func(error) bool
}

// DefaultGormLoggerConfig returns production-safe defaults.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:                gormlogger.Warn,
		SlowThreshold:        200 * time.Millisecond,
		IgnoreRecordNotFound: true,
	}
}

// GormLogger implements gormlogger.Interface with zap-backed structured logging.
type GormLogger struct {
	base                 *zap.Logger
	level                gormlogger.LogLevel
	slowThreshold        time.Duration
	ignoreRecordNotFound bool
	isExpectedErr        func(error) bool
}

func NewGormLogger(base *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	if base == nil {
		base = zap.L()
	}
	return &GormLogger{
		base:                 base.Named("gorm"),
		level:                cfg.Level,
		slowThreshold:        cfg.SlowThreshold,
		ignoreRecordNotFound: cfg.IgnoreRecordNotFound,
		isExpectedErr:        cfg.IsExpectedErr,
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
	WithContext(ctx, l.base).Info(msg, zap.Any("data", data))
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Warn {
		return
	}
	WithContext(ctx, l.base).Warn(msg, zap.Any("data", data))
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Error {
		return
	}
	WithContext(ctx, l.base).Error(msg, zap.Any("data", data))
}

// Trace logs SQL statements with structured fields.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.expected(err):
		if l.level >= gormlogger.Info {
			l.logQuery(ctx, fc, elapsed, err, zap.DebugLevel)
		}
	case err != nil && l.level >= gormlogger.Error:
		l.logQuery(ctx, fc, elapsed, err, zap.ErrorLevel)
	case l.slowThreshold != 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logQuery(ctx, fc, elapsed, nil, zap.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logQuery(ctx, fc, elapsed, nil, zap.DebugLevel)
	}
}

// ParamsFilter strips bound values so emails and secrets never reach the log.
func (l *GormLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) expected(err error) bool {
	if errors.Is(err, gormlogger.ErrRecordNotFound) && l.ignoreRecordNotFound {
		return true
	}
	return l.isExpectedErr != nil && l.isExpectedErr(err)
}

func (l *GormLogger) logQuery(ctx context.Context, fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	ce := WithContext(ctx, l.base).Check(level, "gorm.query")
	if ce == nil {
		return
	}
	sql, rows := fc()
	op, table := classifySQL(sql)
	fields := []zap.Field{
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", op),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if strings.Contains(strings.ToUpper(sql), "ON CONFLICT") {
		fields = append(fields, zap.Bool("idempotent", true))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

// classifySQL returns the statement verb and the first table it touches.
func classifySQL(sql string) (string, string) {
	tokens := strings.Fields(strings.TrimSpace(sql))
	op := "UNKNOWN"
	for i, raw := range tokens {
		token := strings.ToUpper(strings.Trim(raw, "();"))
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if op == "UNKNOWN" {
				op = token
			}
			if token == "UPDATE" && i+1 < len(tokens) {
				return op, tableName(tokens[i+1])
			}
		case "FROM", "INTO":
			if op != "UNKNOWN" && i+1 < len(tokens) {
				return op, tableName(tokens[i+1])
			}
		}
	}
	return op, ""
}

func tableName(token string) string {
	token = strings.Trim(token, "();`\"")
	if idx := strings.LastIndex(token, "."); idx >= 0 {
		token = token[idx+1:]
	}
	return strings.ToLower(token)
}

var _ gormlogger.Interface = (*GormLogger)(nil)
