// Package ledger defines the blockchain operations the engine depends on:
// anchoring content ids, querying anchors, delegation lookups and building
// unsigned transactions for client-side signing.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTxNotFound is returned by TransactionByHash for unknown hashes.
var ErrTxNotFound = errors.New("transaction not found")

// AnchorRequest records ContentID for one version of an asset, signed by
// Signer.
type AnchorRequest struct {
	AssetID       string
	VersionNumber int
	ContentID     string
	Signer        string
}

// Receipt describes a mined anchor transaction.
type Receipt struct {
	TxID        string
	BlockNumber uint64
	Sender      string
}

// AnchorQuery selects an anchor. When TxID is set and matches an anchor for
// the version, that anchor is returned; otherwise the latest one is.
type AnchorQuery struct {
	AssetID       string
	VersionNumber int
	TxID          string
}

// AnchorRecord is an anchor as recorded on chain.
type AnchorRecord struct {
	AssetID       string
	VersionNumber int
	ContentID     string
	TxID          string
	TxSender      string
	BlockNumber   uint64
}

// UnsignedTx is a contract call prepared for an external signer.
type UnsignedTx struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Data     []byte   `json:"data"`
	Gas      uint64   `json:"gas"`
	GasPrice *big.Int `json:"gasPrice"`
	Nonce    uint64   `json:"nonce"`
	ChainID  *big.Int `json:"chainId"`
}

// Transaction status values, as in an Ethereum receipt.
const (
	TxStatusFailed  uint64 = 0
	TxStatusSuccess uint64 = 1
)

// MinedTx is a transaction that has been included in a block.
type MinedTx struct {
	Hash        string
	From        string
	To          string
	Data        []byte
	Status      uint64
	BlockNumber uint64
}

// DelegationEvent is an on-chain change of an owner/delegate pair.
type DelegationEvent struct {
	Owner       string
	Delegate    string
	Active      bool
	TxID        string
	BlockNumber uint64
}

// Ledger is the blockchain collaborator. Anchor may block until the
// transaction is mined and must return promptly once ctx is done.
type Ledger interface {
	Anchor(ctx context.Context, req AnchorRequest) (Receipt, error)
	QueryAnchor(ctx context.Context, q AnchorQuery) (*AnchorRecord, error)
	IsDelegated(ctx context.Context, owner, delegate string) (bool, error)
	WasDelegatedAt(ctx context.Context, owner, delegate string, block uint64) (bool, error)
	BuildUnsignedTx(ctx context.Context, fn string, args []any, from string) (*UnsignedTx, error)
	TransactionByHash(ctx context.Context, hash string) (*MinedTx, error)
	DelegationEvents(ctx context.Context, fromBlock uint64) ([]DelegationEvent, error)
	LatestBlock(ctx context.Context) (uint64, error)
	ContractAddress() string
}

// ValidWallet reports whether s is a hex account address.
func ValidWallet(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeWallet returns the lower-case hex form of a wallet address, or s
// unchanged when it is not an address.
func NormalizeWallet(s string) string {
	if !common.IsHexAddress(s) {
		return s
	}
	return strings.ToLower(common.HexToAddress(s).Hex())
}

// SameWallet compares two wallet addresses ignoring checksum case.
func SameWallet(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeWallet(a) == NormalizeWallet(b)
}
