package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database described by cfg. Driver errors are
// translated so that unique violations surface as gorm.ErrDuplicatedKey.
func Open(cfg *Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (expected postgres, mysql or sqlite)", cfg.Driver)
	}

	level := logger.Silent
	if cfg.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Stores groups the gorm-backed stores that share one database handle.
type Stores struct {
	Versions    *VersionStore
	Audit       *AuditStore
	Delegations *DelegationStore
}

// NewStores creates every store over db.
func NewStores(db *gorm.DB) *Stores {
	return &Stores{
		Versions:    NewVersionStore(db),
		Audit:       NewAuditStore(db),
		Delegations: NewDelegationStore(db),
	}
}

// Migrate runs AutoMigrate for every store, under the migration lock when
// locker is non-nil.
func (s *Stores) Migrate(ctx context.Context, locker MigrationLocker, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if locker == nil {
		locker = noopMigrationLock{}
	}
	return locker.WithLock(ctx, func() error {
		for name, migrate := range map[string]func() error{
			"asset_versions": s.Versions.AutoMigrate,
			"audit_events":   s.Audit.AutoMigrate,
			"delegations":    s.Delegations.AutoMigrate,
		} {
			if err := migrate(); err != nil {
				return err
			}
			log.Debug("migrated table", "table", name)
		}
		return nil
	})
}
