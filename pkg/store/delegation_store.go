package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DelegationStore caches on-chain delegation state. Nothing that gates a
// write may read from it.
type DelegationStore struct {
	db *gorm.DB
}

// NewDelegationStore creates a new DelegationStore.
func NewDelegationStore(db *gorm.DB) *DelegationStore {
	return &DelegationStore{db: db}
}

// AutoMigrate creates or updates the delegations table.
func (s *DelegationStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&DelegationRecord{}); err != nil {
		return fmt.Errorf("auto-migrate delegations: %w", err)
	}
	return nil
}

// newer reports whether a supersedes b: a higher block wins, and within one
// block the greater anchor tx id wins.
func newer(a, b *DelegationRecord) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber > b.BlockNumber
	}
	return a.AnchorTxID > b.AnchorTxID
}

// Upsert applies record if it is more recent than the cached row for the
// same owner/delegate pair. It reports whether the cache changed. Replaying
// an event that was already applied is a no-op.
func (s *DelegationStore) Upsert(ctx context.Context, record *DelegationRecord) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		applied, err := s.upsertOnce(ctx, record)
		if err == nil {
			return applied, nil
		}
		// A concurrent first insert for the same pair: re-read and compare.
		if !IsDuplicateKey(err) {
			return false, err
		}
	}
	return false, fmt.Errorf("upsert delegation: concurrent writers for %s/%s", record.OwnerWallet, record.DelegateWallet)
}

func (s *DelegationStore) upsertOnce(ctx context.Context, record *DelegationRecord) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DelegationRecord
		err := tx.Where("owner_wallet = ? AND delegate_wallet = ?", record.OwnerWallet, record.DelegateWallet).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if record.ID == "" {
				record.ID = uuid.NewString()
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
			applied = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("get delegation: %w", err)
		}
		if !newer(record, &existing) {
			return nil
		}
		record.ID = existing.ID
		err = tx.Model(&existing).Updates(map[string]any{
			"is_active":    record.IsActive,
			"anchor_tx_id": record.AnchorTxID,
			"block_number": record.BlockNumber,
		}).Error
		if err != nil {
			return fmt.Errorf("update delegation: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// Get returns the cached delegation for an owner/delegate pair.
// Returns nil, nil if none is cached.
func (s *DelegationStore) Get(ctx context.Context, owner, delegate string) (*DelegationRecord, error) {
	var record DelegationRecord
	err := s.db.WithContext(ctx).
		Where("owner_wallet = ? AND delegate_wallet = ?", owner, delegate).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	return &record, nil
}

// ListByOwner returns the cached delegations of an owner, optionally only the
// active ones, ordered by delegate wallet.
func (s *DelegationStore) ListByOwner(ctx context.Context, owner string, activeOnly bool) ([]DelegationRecord, error) {
	query := s.db.WithContext(ctx).Where("owner_wallet = ?", owner)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var records []DelegationRecord
	if err := query.Order("delegate_wallet ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	return records, nil
}

// MaxBlock returns the highest block number present in the cache, or 0.
func (s *DelegationStore) MaxBlock(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	row := s.db.WithContext(ctx).Model(&DelegationRecord{}).Select("MAX(block_number)").Row()
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max delegation block: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}
