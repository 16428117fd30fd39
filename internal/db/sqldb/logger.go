package sqldb

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// ZapLogger routes gorm logs to zap.
type ZapLogger struct {
	logger                    *zap.Logger
	level                     gormlogger.LogLevel
	slowThreshold             time.Duration
	ignoreRecordNotFoundError bool
}

// NewZapLogger creates a gorm logger backed by zap.
func NewZapLogger(logger *zap.Logger, level gormlogger.LogLevel, slow time.Duration) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{
		logger:                    logger.Named("ledger"),
		level:                     level,
		slowThreshold:             slow,
		ignoreRecordNotFoundError: true,
	}
}

// LogMode returns a copy with a different level.
func (l *ZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *ZapLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Sugar().Infof(msg, data...)
	}
}

func (l *ZapLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Sugar().Warnf(msg, data...)
	}
}

func (l *ZapLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Sugar().Errorf(msg, data...)
	}
}

// Trace logs a finished statement: errors at error level, slow ones at warn.
func (l *ZapLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	if err != nil && (!errors.Is(err, gormlogger.ErrRecordNotFound) || !l.ignoreRecordNotFoundError) {
		l.logger.Error("ledger query failed", append(fields, zap.Error(err))...)
		return
	}
	if l.slowThreshold > 0 && elapsed > l.slowThreshold {
		l.logger.Warn("slow ledger query", fields...)
		return
	}
	if l.level >= gormlogger.Info {
		l.logger.Debug("ledger query", fields...)
	}
}
