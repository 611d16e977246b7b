// Package gorm is the PostgreSQL functions.Store.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faas-executor/internal/core/functions"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// New opens dsn and migrates the function and deployment tables.
func New(dsn string, lg zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger(lg.With().Str("component", "gorm").Logger()),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&functions.FunctionDefinition{}, &functions.Deployment{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// zlogger routes gorm's log output through zerolog.
type zlogger struct {
	lg    zerolog.Logger
	level logger.LogLevel
}

func newLogger(lg zerolog.Logger) logger.Interface {
	return &zlogger{lg: lg, level: logger.Warn}
}

func (l *zlogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *zlogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.lg.Info().Msgf(msg, args...)
	}
}

func (l *zlogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.lg.Warn().Msgf(msg, args...)
	}
}

func (l *zlogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.lg.Error().Msgf(msg, args...)
	}
}

func (l *zlogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.lg.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case elapsed > slowQuery && l.level >= logger.Warn:
		sql, rows := fc()
		l.lg.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case l.level >= logger.Info:
		sql, rows := fc()
		l.lg.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
