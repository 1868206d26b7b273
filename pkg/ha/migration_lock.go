// Package ha serializes schema migrations across replicas that share one
// database.
package ha

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"
)

// DefaultLockName names the migration lock when none is given.
const DefaultLockName = "yarawesome-migration"

// MigrationLocker runs a function while holding the migration lock.
type MigrationLocker interface {
	// WithLock blocks until the lock is acquired, runs fn and releases the
	// lock after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// LockOptions tunes the table-based lock used outside PostgreSQL.
type LockOptions struct {
	Name          string
	Retries       int
	RetryInterval time.Duration
	// StaleAfter is the age after which a held lock is presumed abandoned.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Name == "" {
		o.Name = DefaultLockName
	}
	if o.Retries <= 0 {
		o.Retries = 30
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewMigrationLocker returns a locker for the database dialect. PostgreSQL
// uses a session advisory lock; SQLite and MySQL use a lock table, which is
// created here so that first callers never race on its creation.
func NewMigrationLocker(db *gorm.DB, opts LockOptions) MigrationLocker {
	if db == nil {
		return noopLock{}
	}
	opts = opts.withDefaults()
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(opts.Name))),
			logger: opts.Logger,
		}
	}
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		opts.Logger.Warn("failed to create migration lock table", "error", err)
	}
	return &tableLock{db: db, opts: opts}
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type advisoryLock struct {
	db     *gorm.DB
	lockID int64
	logger *slog.Logger
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks belong to a session, so pin one connection for both calls.
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection for migration lock: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		if _, err := c.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
			l.logger.Warn("failed to release migration advisory lock", "error", err)
		}
	}()
	return fn()
}

// lockRecord is the row held while a migration runs.
type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "migration_lock" }

// tableLock holds the lock by owning a row keyed by the lock name. Inserting
// an existing key fails, so only one holder exists at a time.
type tableLock struct {
	db   *gorm.DB
	opts LockOptions
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}
	holder = fmt.Sprintf("%s/%d", holder, os.Getpid())

	db := l.db.WithContext(ctx)
	var lastErr error
	acquired := false
	for i := 0; i < l.opts.Retries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		db.Where("id = ? AND locked_at < ?", l.opts.Name, time.Now().Add(-l.opts.StaleAfter)).Delete(&lockRecord{})

		row := lockRecord{ID: l.opts.Name, LockedAt: time.Now(), LockedBy: holder}
		if lastErr = db.Create(&row).Error; lastErr == nil {
			acquired = true
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.RetryInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("acquire migration lock %s after %d attempts: %w", l.opts.Name, l.opts.Retries, errors.Join(lastErr, ErrLockBusy))
	}
	l.opts.Logger.Debug("acquired migration lock", "name", l.opts.Name, "holder", holder)

	defer func() {
		if err := l.db.Where("id = ? AND locked_by = ?", l.opts.Name, holder).Delete(&lockRecord{}).Error; err != nil {
			l.opts.Logger.Warn("failed to release migration lock", "name", l.opts.Name, "error", err)
		}
	}()
	return fn()
}

// ErrLockBusy reports that another holder kept the lock through every retry.
var ErrLockBusy = errors.New("migration lock busy")
