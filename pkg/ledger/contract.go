package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract function names.
const (
	FnAnchor      = "anchor"
	FnAnchorBatch = "anchorBatch"
	FnSetDelegate = "setDelegate"
	FnIsDelegate  = "isDelegate"
)

// Contract event names.
const (
	EventAnchored    = "Anchored"
	EventDelegateSet = "DelegateSet"
)

const registryABI = `[
  {"type":"function","name":"anchor","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"assetId","type":"string"},{"name":"versionNumber","type":"uint256"},{"name":"contentId","type":"string"}]},
  {"type":"function","name":"anchorBatch","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"assetIds","type":"string[]"},{"name":"versionNumbers","type":"uint256[]"},{"name":"contentIds","type":"string[]"}]},
  {"type":"function","name":"setDelegate","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"delegate","type":"address"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"isDelegate","stateMutability":"view","outputs":[{"name":"","type":"bool"}],
   "inputs":[{"name":"owner","type":"address"},{"name":"delegate","type":"address"}]},
  {"type":"event","name":"Anchored","anonymous":false,
   "inputs":[{"name":"assetKey","type":"bytes32","indexed":true},{"name":"assetId","type":"string","indexed":false},
             {"name":"versionNumber","type":"uint256","indexed":false},{"name":"contentId","type":"string","indexed":false}]},
  {"type":"event","name":"DelegateSet","anonymous":false,
   "inputs":[{"name":"owner","type":"address","indexed":true},{"name":"delegate","type":"address","indexed":true},
             {"name":"active","type":"bool","indexed":false}]}
]`

// AnchorItem is one entry of an anchorBatch call.
type AnchorItem struct {
	AssetID       string
	VersionNumber int
	ContentID     string
}

// Call is a decoded contract call.
type Call struct {
	Method string
	Args   []any
}

// Contract encodes and decodes calls to the anchor registry contract.
type Contract struct {
	abi     abi.ABI
	address common.Address
}

// NewContract parses the registry ABI for the contract at address.
func NewContract(address string) (*Contract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	return &Contract{abi: parsed, address: common.HexToAddress(address)}, nil
}

// Address returns the normalized contract address.
func (c *Contract) Address() string {
	return NormalizeWallet(c.address.Hex())
}

// Encode packs a call to fn with ABI-typed args.
func (c *Contract) Encode(fn string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(fn, args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", fn, err)
	}
	return data, nil
}

// DecodeCall unpacks calldata into its method name and arguments.
func (c *Contract) DecodeCall(data []byte) (*Call, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown method: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", method.Name, err)
	}
	return &Call{Method: method.Name, Args: args}, nil
}

// SameCall reports whether two calldata blobs invoke the same method with
// the same arguments.
func (c *Contract) SameCall(a, b []byte) bool {
	ca, err := c.DecodeCall(a)
	if err != nil {
		return false
	}
	cb, err := c.DecodeCall(b)
	if err != nil {
		return false
	}
	if ca.Method != cb.Method {
		return false
	}
	// ABI encoding is canonical for the registry's argument types.
	return bytes.Equal(a, b)
}

// AnchorArgs returns the ABI arguments of an anchor call.
func AnchorArgs(item AnchorItem) []any {
	return []any{item.AssetID, big.NewInt(int64(item.VersionNumber)), item.ContentID}
}

// AnchorBatchArgs returns the ABI arguments of an anchorBatch call.
func AnchorBatchArgs(items []AnchorItem) []any {
	ids := make([]string, len(items))
	versions := make([]*big.Int, len(items))
	cids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.AssetID
		versions[i] = big.NewInt(int64(it.VersionNumber))
		cids[i] = it.ContentID
	}
	return []any{ids, versions, cids}
}

// AnchorItems converts a decoded anchor or anchorBatch call back into items.
func AnchorItems(call *Call) ([]AnchorItem, error) {
	switch call.Method {
	case FnAnchor:
		if len(call.Args) != 3 {
			return nil, fmt.Errorf("anchor: expected 3 arguments, got %d", len(call.Args))
		}
		id, _ := call.Args[0].(string)
		v, _ := call.Args[1].(*big.Int)
		cid, _ := call.Args[2].(string)
		if v == nil {
			return nil, fmt.Errorf("anchor: malformed version number")
		}
		return []AnchorItem{{AssetID: id, VersionNumber: int(v.Int64()), ContentID: cid}}, nil
	case FnAnchorBatch:
		if len(call.Args) != 3 {
			return nil, fmt.Errorf("anchorBatch: expected 3 arguments, got %d", len(call.Args))
		}
		ids, _ := call.Args[0].([]string)
		versions, _ := call.Args[1].([]*big.Int)
		cids, _ := call.Args[2].([]string)
		if len(ids) != len(versions) || len(ids) != len(cids) {
			return nil, fmt.Errorf("anchorBatch: argument lengths differ")
		}
		items := make([]AnchorItem, len(ids))
		for i := range ids {
			items[i] = AnchorItem{AssetID: ids[i], VersionNumber: int(versions[i].Int64()), ContentID: cids[i]}
		}
		return items, nil
	}
	return nil, fmt.Errorf("method %s does not anchor content", call.Method)
}

// DelegateArgs returns the ABI arguments of a setDelegate call.
func DelegateArgs(delegate string, active bool) []any {
	return []any{common.HexToAddress(delegate), active}
}

// EventID returns the topic hash of a registry event.
func (c *Contract) EventID(name string) common.Hash {
	return c.abi.Events[name].ID
}

// AssetKey is the indexed topic under which anchors of assetID are logged.
func AssetKey(assetID string) common.Hash {
	return crypto.Keccak256Hash([]byte(assetID))
}

// DecodeAnchored unpacks an Anchored log.
func (c *Contract) DecodeAnchored(l types.Log) (AnchorItem, error) {
	vals, err := c.abi.Unpack(EventAnchored, l.Data)
	if err != nil {
		return AnchorItem{}, fmt.Errorf("decode %s: %w", EventAnchored, err)
	}
	if len(vals) != 3 {
		return AnchorItem{}, fmt.Errorf("decode %s: expected 3 fields, got %d", EventAnchored, len(vals))
	}
	id, _ := vals[0].(string)
	v, _ := vals[1].(*big.Int)
	cid, _ := vals[2].(string)
	if v == nil || !v.IsInt64() {
		return AnchorItem{}, fmt.Errorf("decode %s: malformed version number", EventAnchored)
	}
	return AnchorItem{AssetID: id, VersionNumber: int(v.Int64()), ContentID: cid}, nil
}

// DecodeDelegateSet unpacks a DelegateSet log into an event without block or
// tx fields.
func (c *Contract) DecodeDelegateSet(l types.Log) (DelegationEvent, error) {
	if len(l.Topics) != 3 {
		return DelegationEvent{}, fmt.Errorf("decode %s: expected 3 topics, got %d", EventDelegateSet, len(l.Topics))
	}
	vals, err := c.abi.Unpack(EventDelegateSet, l.Data)
	if err != nil {
		return DelegationEvent{}, fmt.Errorf("decode %s: %w", EventDelegateSet, err)
	}
	active, ok := vals[0].(bool)
	if !ok {
		return DelegationEvent{}, fmt.Errorf("decode %s: malformed active flag", EventDelegateSet)
	}
	return DelegationEvent{
		Owner:    NormalizeWallet(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		Delegate: NormalizeWallet(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Active:   active,
	}, nil
}

// DecodeBool unpacks the single boolean returned by a view function.
func (c *Contract) DecodeBool(fn string, out []byte) (bool, error) {
	vals, err := c.abi.Unpack(fn, out)
	if err != nil {
		return false, fmt.Errorf("decode %s result: %w", fn, err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("decode %s result: expected 1 value, got %d", fn, len(vals))
	}
	b, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("decode %s result: not a bool", fn)
	}
	return b, nil
}
