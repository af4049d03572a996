// Package batch prepares multi-asset anchor transactions for external
// signing and commits the versions once the signed transaction is mined.
package batch

import (
	"time"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
)

// ItemStatus is the progress of one asset within a batch.
type ItemStatus string

const (
	// StatusPending: planned, content not stored yet.
	StatusPending ItemStatus = "pending"
	// StatusUploading: content stored, waiting for the signed transaction.
	StatusUploading ItemStatus = "uploading"
	StatusCompleted ItemStatus = "completed"
	StatusError     ItemStatus = "error"
)

// Item is one asset write requested in a batch.
type Item struct {
	AssetID string
	// OwnerWallet is required for new assets and ignored for existing ones.
	OwnerWallet string
	Critical    canonical.Metadata
	NonCritical canonical.Metadata
}

// PrepareRequest asks for one anchor transaction covering every item.
type PrepareRequest struct {
	ActingWallet string
	Items        []Item
}

// ItemState reports the plan and progress of one item.
type ItemState struct {
	AssetID       string     `json:"assetId"`
	OwnerWallet   string     `json:"ownerWallet"`
	VersionNumber int        `json:"versionNumber"`
	ContentID     string     `json:"contentId"`
	Status        ItemStatus `json:"status"`
	VersionID     string     `json:"versionId,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// PendingOperation is a prepared batch waiting for its mined transaction.
type PendingOperation struct {
	BatchID      string             `json:"batchId"`
	ActingWallet string             `json:"actingWallet"`
	Items        []ItemState        `json:"items"`
	Tx           *ledger.UnsignedTx `json:"tx"`
	Function     string             `json:"function"`
	Args         []any              `json:"-"`
	CreatedAt    time.Time          `json:"createdAt"`

	requests   []Item
	completing bool
	finished   bool
}

func (op *PendingOperation) snapshot() *PendingOperation {
	out := &PendingOperation{
		BatchID:      op.BatchID,
		ActingWallet: op.ActingWallet,
		Items:        append([]ItemState(nil), op.Items...),
		Tx:           op.Tx,
		Function:     op.Function,
		Args:         op.Args,
		CreatedAt:    op.CreatedAt,
	}
	return out
}

// PreparedBatch is returned to the caller for signing.
type PreparedBatch struct {
	BatchID string             `json:"batchId"`
	Tx      *ledger.UnsignedTx `json:"tx"`
	Items   []ItemState        `json:"items"`
}

// Result reports a completed batch.
type Result struct {
	BatchID   string      `json:"batchId"`
	TxHash    string      `json:"txHash"`
	Items     []ItemState `json:"items"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
}
