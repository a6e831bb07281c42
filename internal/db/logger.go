package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// defaultSlowQueryThreshold is used when Config.SlowQueryThreshold is left
// at its zero value.
const defaultSlowQueryThreshold = 200 * time.Millisecond

// zapGORMLogger routes GORM's internal logging (query traces, slow-query
// warnings, migration errors) through the same *zap.Logger the rest of the
// process uses, instead of GORM's default stdout writer.
type zapGORMLogger struct {
	log                       *zap.Logger
	level                     gormlogger.LogLevel
	slowQueryThreshold        time.Duration
	ignoreRecordNotFoundError bool
}

// newZapGORMLogger builds a gormlogger.Interface from log, level, and a
// slow-query threshold. A threshold of 0 falls back to
// defaultSlowQueryThreshold; any negative value disables slow-query
// warnings.
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel, threshold time.Duration) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	if threshold == 0 {
		threshold = defaultSlowQueryThreshold
	}
	return &zapGORMLogger{
		// Skip past this file's own Info/Warn/Error/Trace wrappers and the
		// gorm.io/gorm callback dispatcher so zap reports the caller inside
		// the application, not inside this adapter.
		log:                       log.WithOptions(zap.AddCallerSkip(3)),
		level:                     level,
		slowQueryThreshold:        threshold,
		ignoreRecordNotFoundError: true,
	}
}

// LogMode returns a copy of the logger at a different level, as required by
// gormlogger.Interface (GORM calls this for e.g. db.Debug() chains).
func (l *zapGORMLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *zapGORMLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed SQL statement with its duration and row count,
// escalating to a warning past slowQueryThreshold and to an error on a
// non-ErrRecordNotFound failure. ErrRecordNotFound is expected application
// traffic, not a database fault, so it is silenced here.
func (l *zapGORMLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !(l.ignoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound)):
		l.log.Error("gorm query error", append(fields, zap.Error(err))...)

	case l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold:
		l.log.Warn("gorm slow query", fields...)

	case l.level >= gormlogger.Info:
		l.log.Debug("gorm query", fields...)
	}
}
