package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serialises schema migrations across replicas sharing one
// database.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect. PostgreSQL uses advisory locks; other databases use a table-based
// fallback whose table is created immediately.
func NewMigrationLocker(db *gorm.DB, identity string) MigrationLocker {
	if db == nil {
		return noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("asset-integrity-migration"))),
		}
	}
	if identity == "" {
		identity = "unknown"
	}
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &tableMigrationLock{
		db:            db,
		identity:      identity,
		maxRetries:    30,
		retryInterval: time.Second,
		staleAge:      5 * time.Minute,
	}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableMigrationLock uses insert-or-fail on a single row. Rows older than
// staleAge are removed before each attempt so a crashed holder cannot block
// startup forever.
type tableMigrationLock struct {
	db            *gorm.DB
	identity      string
	maxRetries    int
	retryInterval time.Duration
	staleAge      time.Duration
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	row := migrationLockRecord{ID: "migration", LockedBy: l.identity}

	for i := 0; ; i++ {
		l.db.WithContext(ctx).Where("id = ? AND locked_at < ?", row.ID, time.Now().Add(-l.staleAge)).Delete(&migrationLockRecord{})

		row.LockedAt = time.Now()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if i >= l.maxRetries-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", l.maxRetries, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	defer func() {
		l.db.Where("id = ? AND locked_by = ?", row.ID, l.identity).Delete(&migrationLockRecord{})
	}()
	return fn()
}
