// Package db opens the relational store and migrates every yarawesome table.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yarawesome/yarawesome/pkg/ha"
	"github.com/yarawesome/yarawesome/pkg/jobs"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/scans"
)

// Config selects the driver and connection string.
type Config struct {
	Type string
	DSN  string
	// SlowThreshold logs queries slower than this at Warn. Zero disables SQL logging.
	SlowThreshold time.Duration
}

// Open connects to the configured database. SQLite connections are limited
// to one open connection since the driver serializes writers anyway.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if cfg.SlowThreshold > 0 {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}
	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", dialector.Name(), err)
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gormDB, nil
}

// Migrate creates or updates every table under the migration lock so that
// replicas starting together do not race on schema changes.
func Migrate(ctx context.Context, gormDB *gorm.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	locker := ha.NewMigrationLocker(gormDB, ha.LockOptions{Logger: logger})
	return locker.WithLock(ctx, func() error {
		start := time.Now()
		if err := rules.NewRuleStore(gormDB).AutoMigrate(); err != nil {
			return fmt.Errorf("migrate rules: %w", err)
		}
		if err := scans.NewStore(gormDB).AutoMigrate(); err != nil {
			return fmt.Errorf("migrate scans: %w", err)
		}
		if err := jobs.NewJobStore(gormDB).AutoMigrate(); err != nil {
			return fmt.Errorf("migrate jobs: %w", err)
		}
		logger.Info("database migrated", "dialect", gormDB.Dialector.Name(), "duration", time.Since(start).String())
		return nil
	})
}
