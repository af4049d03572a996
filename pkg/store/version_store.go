package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/asset-integrity/pkg/fault"
)

// VersionStore provides typed operations over asset version records and
// enforces the version-chain invariants.
type VersionStore struct {
	db *gorm.DB
}

// NewVersionStore creates a new VersionStore.
func NewVersionStore(db *gorm.DB) *VersionStore {
	return &VersionStore{db: db}
}

// AutoMigrate creates or updates the asset_versions table, including the
// (asset_id, version_number) unique index the write path relies on.
func (s *VersionStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&AssetVersionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate asset_versions: %w", err)
	}
	return nil
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "sqlstate 23505")
}

func conflictOrWrap(err error, assetID string, version int, op string) error {
	if IsDuplicateKey(err) {
		return fault.Wrap(fault.Conflict, op, err, "version %d of %s already exists", version, assetID).
			WithDetail("assetId", assetID).
			WithDetail("versionNumber", version)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Insert stores the first version of an asset. A duplicate
// (asset_id, version_number) is reported as a fault.Conflict.
func (s *VersionStore) Insert(ctx context.Context, record *AssetVersionRecord) error {
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return conflictOrWrap(err, record.AssetID, record.VersionNumber, "insert version")
	}
	return nil
}

// InsertSuccessor atomically inserts next and clears is_current on every
// other version of the asset. The unique index decides concurrent writers:
// the loser gets a fault.Conflict and nothing is changed.
func (s *VersionStore) InsertSuccessor(ctx context.Context, next *AssetVersionRecord) error {
	if next.LastUpdated.IsZero() {
		next.LastUpdated = time.Now()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(next).Error; err != nil {
			return conflictOrWrap(err, next.AssetID, next.VersionNumber, "insert successor")
		}
		err := tx.Model(&AssetVersionRecord{}).
			Where("asset_id = ? AND id <> ? AND is_current = ?", next.AssetID, next.ID, true).
			Updates(map[string]any{"is_current": false, "last_updated": next.LastUpdated}).Error
		if err != nil {
			return fmt.Errorf("supersede previous version: %w", err)
		}
		return nil
	})
}

// HasAny reports whether the asset has at least one version.
func (s *VersionStore) HasAny(ctx context.Context, assetID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AssetVersionRecord{}).Where("asset_id = ?", assetID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count versions: %w", err)
	}
	return count > 0, nil
}

// GetCurrent returns the current version of an asset, deleted or not.
// Returns nil, nil if the asset has no current version.
func (s *VersionStore) GetCurrent(ctx context.Context, assetID string) (*AssetVersionRecord, error) {
	var record AssetVersionRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND is_current = ?", assetID, true).
		Order("version_number DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get current version: %w", err)
	}
	return &record, nil
}

// GetVersion returns a specific version of an asset.
// Returns nil, nil if no such version exists.
func (s *VersionStore) GetVersion(ctx context.Context, assetID string, versionNumber int) (*AssetVersionRecord, error) {
	var record AssetVersionRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND version_number = ?", assetID, versionNumber).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &record, nil
}

// GetByID returns a version by its row id.
// Returns nil, nil if no record exists.
func (s *VersionStore) GetByID(ctx context.Context, id string) (*AssetVersionRecord, error) {
	var record AssetVersionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get version by id: %w", err)
	}
	return &record, nil
}

// ListVersions returns all versions of an asset ordered by version_number
// DESC (newest first).
func (s *VersionStore) ListVersions(ctx context.Context, assetID string) ([]AssetVersionRecord, error) {
	var records []AssetVersionRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ?", assetID).
		Order("version_number DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return records, nil
}

// ListCurrent returns a page of current, non-deleted versions ordered by
// asset_id. pageToken is the asset_id of the last record from the previous
// page; pass "" for the first page.
func (s *VersionStore) ListCurrent(ctx context.Context, pageSize int, pageToken string) ([]AssetVersionRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 500 {
		pageSize = 500
	}

	query := s.db.WithContext(ctx).
		Where("is_current = ? AND is_deleted = ?", true, false).
		Order("asset_id ASC").
		Limit(pageSize + 1)
	if pageToken != "" {
		query = query.Where("asset_id > ?", pageToken)
	}

	var records []AssetVersionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list current versions: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].AssetID
		records = records[:pageSize]
	}
	return records, nextToken, nil
}

// SoftDelete marks a version deleted and replaces its non-critical metadata.
// Returns a fault.NotFound if the row does not exist.
func (s *VersionStore) SoftDelete(ctx context.Context, id, deletedBy string, deletedAt time.Time, nonCritical JSONMetadata) error {
	result := s.db.WithContext(ctx).Model(&AssetVersionRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_deleted":            true,
			"deleted_by":            deletedBy,
			"deleted_at":            deletedAt,
			"non_critical_metadata": nonCritical,
			"last_updated":          deletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("soft delete version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.New(fault.NotFound, "softDelete", "version %s not found", id)
	}
	return nil
}

// TouchVerified records the time a version last passed verification.
func (s *VersionStore) TouchVerified(ctx context.Context, id string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&AssetVersionRecord{}).
		Where("id = ?", id).
		Update("last_verified", at).Error
	if err != nil {
		return fmt.Errorf("touch verified: %w", err)
	}
	return nil
}

// WalkChain follows previous_version_id back-pointers from the version with
// the given id down to version 1 and returns the chain newest first. It fails
// if the chain cycles, skips a number, or does not end at version 1.
func (s *VersionStore) WalkChain(ctx context.Context, fromID string) ([]AssetVersionRecord, error) {
	var chain []AssetVersionRecord
	seen := make(map[string]bool)
	id := fromID
	for id != "" {
		if seen[id] {
			return chain, fmt.Errorf("version chain cycles at %s", id)
		}
		seen[id] = true

		record, err := s.GetByID(ctx, id)
		if err != nil {
			return chain, err
		}
		if record == nil {
			return chain, fmt.Errorf("version chain broken: %s not found", id)
		}
		if n := len(chain); n > 0 && chain[n-1].VersionNumber != record.VersionNumber+1 {
			return chain, fmt.Errorf("version chain gap between %d and %d", chain[n-1].VersionNumber, record.VersionNumber)
		}
		chain = append(chain, *record)
		id = record.PreviousVersionID
	}
	if n := len(chain); n > 0 && chain[n-1].VersionNumber != 1 {
		return chain, fmt.Errorf("version chain ends at %d, not 1", chain[n-1].VersionNumber)
	}
	return chain, nil
}
