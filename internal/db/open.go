// Package db opens the shared *gorm.DB connection used by both the
// gorm-backed RuleStore and TrafficLog implementations. The driver is
// selected from the DSN: a postgres://... URL opens gorm.io/driver/postgres,
// anything else is treated as a SQLite file path opened through the
// pure-Go glebarez/sqlite driver (no cgo toolchain required at build time).
package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens (and migrates nothing — callers AutoMigrate their own models)
// a gorm.DB for dsn.
func Open(dsn string, log *zap.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}

	d, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dsn, err)
	}

	log.Debug("opened rule/traffic database", zap.String("dsn", redact(dsn)))
	return d, nil
}

// redact strips credentials from a postgres DSN before it is logged.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
