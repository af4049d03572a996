package store

import "time"

// AssetVersionRecord is one version of one asset. Rows are append-only:
// after insert only is_current, the deletion fields, last_updated and
// last_verified change.
type AssetVersionRecord struct {
	ID                  string       `gorm:"primaryKey;column:id;type:varchar(36)"`
	AssetID             string       `gorm:"column:asset_id;uniqueIndex:idx_asset_version,priority:1;index:idx_asset_current,priority:1;not null"`
	VersionNumber       int          `gorm:"column:version_number;uniqueIndex:idx_asset_version,priority:2;not null"`
	OwnerWallet         string       `gorm:"column:owner_wallet;index;not null"`
	CriticalMetadata    JSONMetadata `gorm:"column:critical_metadata;type:text;not null"`
	NonCriticalMetadata JSONMetadata `gorm:"column:non_critical_metadata;type:text"`
	ContentID           string       `gorm:"column:content_id;not null"`
	AnchorTxID          string       `gorm:"column:anchor_tx_id;not null"`
	IsCurrent           bool         `gorm:"column:is_current;index:idx_asset_current,priority:2;not null"`
	IsDeleted           bool         `gorm:"column:is_deleted;not null"`
	DeletedBy           string       `gorm:"column:deleted_by"`
	DeletedAt           *time.Time   `gorm:"column:deleted_at"`
	PreviousVersionID   string       `gorm:"column:previous_version_id"`
	CreatedBy           string       `gorm:"column:created_by;not null"`
	CreatedAt           time.Time    `gorm:"column:created_at;autoCreateTime"`
	LastUpdated         time.Time    `gorm:"column:last_updated"`
	LastVerified        *time.Time   `gorm:"column:last_verified"`
}

// TableName returns the GORM table name.
func (AssetVersionRecord) TableName() string { return "asset_versions" }
