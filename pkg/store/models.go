package store

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
)

// JSONMetadata is a GORM column type for canonical.Metadata stored as
// canonical JSON text. Numbers are decoded as json.Number so integers keep
// their exact value across a round trip.
type JSONMetadata canonical.Metadata

// Scan implements the sql.Scanner interface for JSONMetadata.
func (m *JSONMetadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unsupported type for JSONMetadata: %T", value)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Value implements the driver.Valuer interface for JSONMetadata.
func (m JSONMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := canonical.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Metadata returns m as canonical.Metadata.
func (m JSONMetadata) Metadata() canonical.Metadata {
	return canonical.Metadata(m)
}

// AuditAction enumerates the mutating operations recorded in the audit log.
type AuditAction string

const (
	ActionCreate        AuditAction = "CREATE"
	ActionUpdate        AuditAction = "UPDATE"
	ActionVersionCreate AuditAction = "VERSION_CREATE"
	ActionDelete        AuditAction = "DELETE"
	ActionRecovery      AuditAction = "RECOVERY"
)

// AuditEventRecord is an immutable audit log entry.
type AuditEventRecord struct {
	ID          string       `gorm:"primaryKey;column:id;type:varchar(36)"`
	AssetID     string       `gorm:"column:asset_id;index:idx_audit_asset_time,priority:1;not null"`
	VersionID   string       `gorm:"column:version_id"`
	Action      AuditAction  `gorm:"column:action;index:idx_audit_action_time,priority:1;not null"`
	ActorWallet string       `gorm:"column:actor_wallet;not null"`
	Metadata    JSONMetadata `gorm:"column:metadata;type:text"`
	CreatedAt   time.Time    `gorm:"column:created_at;index:idx_audit_asset_time,priority:2;index:idx_audit_action_time,priority:2;autoCreateTime"`
}

// TableName returns the GORM table name.
func (AuditEventRecord) TableName() string { return "audit_events" }

// DelegationRecord caches the on-chain delegation state of an
// owner/delegate pair. It is advisory: write authorization always asks the
// ledger.
type DelegationRecord struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OwnerWallet    string    `gorm:"column:owner_wallet;uniqueIndex:idx_delegation_pair,priority:1;not null"`
	DelegateWallet string    `gorm:"column:delegate_wallet;uniqueIndex:idx_delegation_pair,priority:2;not null"`
	IsActive       bool      `gorm:"column:is_active;not null"`
	AnchorTxID     string    `gorm:"column:anchor_tx_id;not null"`
	BlockNumber    uint64    `gorm:"column:block_number;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (DelegationRecord) TableName() string { return "delegations" }
