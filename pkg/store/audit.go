package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditStore provides append-only operations for audit event records.
// It exposes no update or delete.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// AutoMigrate creates or updates the audit_events table.
func (s *AuditStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&AuditEventRecord{}); err != nil {
		return fmt.Errorf("auto-migrate audit_events: %w", err)
	}
	return nil
}

// Append creates a new immutable audit event record.
func (s *AuditStore) Append(ctx context.Context, event *AuditEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListByAsset returns paginated audit events for a specific asset,
// ordered by created_at DESC (newest first).
// pageToken is an RFC3339 timestamp; events with created_at < pageToken are returned.
func (s *AuditStore) ListByAsset(ctx context.Context, assetID string, pageSize int, pageToken string) ([]AuditEventRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Where("asset_id = ?", assetID).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []AuditEventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list audit events by asset: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, nil
}

// CountByAction returns how many events of the given action exist for an asset.
func (s *AuditStore) CountByAction(ctx context.Context, assetID string, action AuditAction) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&AuditEventRecord{}).
		Where("asset_id = ? AND action = ?", assetID, action).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// CommittedAnchorTx returns the anchor transaction recorded when the version
// with the given row id was committed, or "" when no commit event exists.
func (s *AuditStore) CommittedAnchorTx(ctx context.Context, versionID string) (string, error) {
	var events []AuditEventRecord
	err := s.db.WithContext(ctx).
		Where("version_id = ? AND action IN ?", versionID, []AuditAction{ActionCreate, ActionVersionCreate}).
		Order("created_at ASC").
		Limit(1).
		Find(&events).Error
	if err != nil {
		return "", fmt.Errorf("get committed anchor tx: %w", err)
	}
	if len(events) == 0 {
		return "", nil
	}
	tx, _ := events[0].Metadata["anchorTxId"].(string)
	return tx, nil
}
