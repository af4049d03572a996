package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SimulatedConfig configures an in-process chain.
type SimulatedConfig struct {
	ChainID         int64
	ContractAddress string
	GasPrice        *big.Int
	// AnchorLatency delays every Anchor call, standing in for confirmation
	// time.
	AnchorLatency time.Duration
}

// DefaultSimulatedConfig returns a config for a local development chain.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		ChainID:         1337,
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		GasPrice:        big.NewInt(1_000_000_000),
	}
}

type anchorKey struct {
	assetID string
	version int
}

type delegationPair struct {
	owner    common.Address
	delegate common.Address
}

type delegationState struct {
	active bool
	block  uint64
	txID   string
}

// Simulated is a deterministic single-node chain hosting the anchor
// registry contract. Each transaction is mined into its own block.
type Simulated struct {
	contract *Contract
	chainID  *big.Int
	gasPrice *big.Int
	logger   *slog.Logger

	mu          sync.Mutex
	block       uint64
	nonces      map[common.Address]uint64
	txs         map[string]*MinedTx
	anchors     map[anchorKey][]AnchorRecord
	delegations map[delegationPair][]delegationState
	events      []DelegationEvent
	latency     time.Duration
	anchorErr   error
}

var _ Ledger = (*Simulated)(nil)

// NewSimulated creates an empty chain.
func NewSimulated(cfg SimulatedConfig, logger *slog.Logger) (*Simulated, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSimulatedConfig()
	if cfg.ContractAddress == "" {
		cfg.ContractAddress = def.ContractAddress
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = def.ChainID
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = def.GasPrice
	}
	contract, err := NewContract(cfg.ContractAddress)
	if err != nil {
		return nil, err
	}
	return &Simulated{
		contract:    contract,
		chainID:     big.NewInt(cfg.ChainID),
		gasPrice:    new(big.Int).Set(cfg.GasPrice),
		logger:      logger,
		nonces:      make(map[common.Address]uint64),
		txs:         make(map[string]*MinedTx),
		anchors:     make(map[anchorKey][]AnchorRecord),
		delegations: make(map[delegationPair][]delegationState),
		latency:     cfg.AnchorLatency,
	}, nil
}

// Contract returns the registry contract codec.
func (s *Simulated) Contract() *Contract { return s.contract }

// ContractAddress returns the registry contract address.
func (s *Simulated) ContractAddress() string { return s.contract.Address() }

// SetAnchorLatency changes the delay applied to Anchor.
func (s *Simulated) SetAnchorLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailAnchors makes every Anchor call return err until called with nil.
func (s *Simulated) FailAnchors(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchorErr = err
}

// BlockNumber returns the height of the latest block.
func (s *Simulated) BlockNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block
}

// LatestBlock returns BlockNumber.
func (s *Simulated) LatestBlock(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.BlockNumber(), nil
}

func parseWallet(w string) (common.Address, error) {
	if !common.IsHexAddress(w) {
		return common.Address{}, fmt.Errorf("invalid wallet address %q", w)
	}
	return common.HexToAddress(w), nil
}

// mine appends a transaction in a new block and applies its effects when it
// succeeded against the registry. Must be called with s.mu held.
func (s *Simulated) mine(from, to common.Address, data []byte, status uint64) *MinedTx {
	nonce := s.nonces[from]
	s.nonces[from] = nonce + 1
	s.block++

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	hash := crypto.Keccak256Hash(s.chainID.Bytes(), from.Bytes(), n[:], to.Bytes(), data).Hex()

	tx := &MinedTx{
		Hash:        hash,
		From:        NormalizeWallet(from.Hex()),
		To:          NormalizeWallet(to.Hex()),
		Data:        append([]byte(nil), data...),
		Status:      status,
		BlockNumber: s.block,
	}
	s.txs[hash] = tx

	if status == TxStatusSuccess && to == s.contract.address {
		s.apply(tx)
	}
	return tx
}

func (s *Simulated) apply(tx *MinedTx) {
	call, err := s.contract.DecodeCall(tx.Data)
	if err != nil {
		s.logger.Debug("ignoring undecodable call", "tx", tx.Hash, "error", err)
		return
	}
	switch call.Method {
	case FnAnchor, FnAnchorBatch:
		items, err := AnchorItems(call)
		if err != nil {
			return
		}
		for _, it := range items {
			key := anchorKey{assetID: it.AssetID, version: it.VersionNumber}
			s.anchors[key] = append(s.anchors[key], AnchorRecord{
				AssetID:       it.AssetID,
				VersionNumber: it.VersionNumber,
				ContentID:     it.ContentID,
				TxID:          tx.Hash,
				TxSender:      tx.From,
				BlockNumber:   tx.BlockNumber,
			})
		}
	case FnSetDelegate:
		delegate, _ := call.Args[0].(common.Address)
		active, _ := call.Args[1].(bool)
		owner := common.HexToAddress(tx.From)
		pair := delegationPair{owner: owner, delegate: delegate}
		s.delegations[pair] = append(s.delegations[pair], delegationState{active: active, block: tx.BlockNumber, txID: tx.Hash})
		s.events = append(s.events, DelegationEvent{
			Owner:       tx.From,
			Delegate:    NormalizeWallet(delegate.Hex()),
			Active:      active,
			TxID:        tx.Hash,
			BlockNumber: tx.BlockNumber,
		})
	}
}

// Anchor mines an anchor call signed by req.Signer.
func (s *Simulated) Anchor(ctx context.Context, req AnchorRequest) (Receipt, error) {
	signer, err := parseWallet(req.Signer)
	if err != nil {
		return Receipt{}, err
	}
	data, err := s.contract.Encode(FnAnchor, AnchorArgs(AnchorItem{
		AssetID:       req.AssetID,
		VersionNumber: req.VersionNumber,
		ContentID:     req.ContentID,
	})...)
	if err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	latency, failure := s.latency, s.anchorErr
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if failure != nil {
		return Receipt{}, failure
	}

	s.mu.Lock()
	tx := s.mine(signer, s.contract.address, data, TxStatusSuccess)
	s.mu.Unlock()

	s.logger.Debug("anchored content", "assetId", req.AssetID, "version", req.VersionNumber, "tx", tx.Hash, "block", tx.BlockNumber)
	return Receipt{TxID: tx.Hash, BlockNumber: tx.BlockNumber, Sender: tx.From}, nil
}

// QueryAnchor returns the anchor selected by q, or nil if the version was
// never anchored.
func (s *Simulated) QueryAnchor(ctx context.Context, q AnchorQuery) (*AnchorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.anchors[anchorKey{assetID: q.AssetID, version: q.VersionNumber}]
	if len(records) == 0 {
		return nil, nil
	}
	if q.TxID != "" {
		for i := range records {
			if records[i].TxID == q.TxID {
				rec := records[i]
				return &rec, nil
			}
		}
	}
	rec := records[len(records)-1]
	return &rec, nil
}

func (s *Simulated) delegationAt(owner, delegate string, block uint64) (bool, error) {
	o, err := parseWallet(owner)
	if err != nil {
		return false, err
	}
	d, err := parseWallet(delegate)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	active := false
	for _, st := range s.delegations[delegationPair{owner: o, delegate: d}] {
		if st.block > block {
			break
		}
		active = st.active
	}
	return active, nil
}

// IsDelegated reports the delegation state at the latest block.
func (s *Simulated) IsDelegated(ctx context.Context, owner, delegate string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.delegationAt(owner, delegate, s.BlockNumber())
}

// WasDelegatedAt reports the delegation state as of block.
func (s *Simulated) WasDelegatedAt(ctx context.Context, owner, delegate string, block uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.delegationAt(owner, delegate, block)
}

// SetDelegate mines a setDelegate call from owner.
func (s *Simulated) SetDelegate(ctx context.Context, owner, delegate string, active bool) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	o, err := parseWallet(owner)
	if err != nil {
		return Receipt{}, err
	}
	if _, err := parseWallet(delegate); err != nil {
		return Receipt{}, err
	}
	data, err := s.contract.Encode(FnSetDelegate, DelegateArgs(delegate, active)...)
	if err != nil {
		return Receipt{}, err
	}
	s.mu.Lock()
	tx := s.mine(o, s.contract.address, data, TxStatusSuccess)
	s.mu.Unlock()
	return Receipt{TxID: tx.Hash, BlockNumber: tx.BlockNumber, Sender: tx.From}, nil
}

// BuildUnsignedTx encodes fn(args) against the registry for from to sign.
func (s *Simulated) BuildUnsignedTx(ctx context.Context, fn string, args []any, from string) (*UnsignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := parseWallet(from)
	if err != nil {
		return nil, err
	}
	data, err := s.contract.Encode(fn, args...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	nonce := s.nonces[addr]
	s.mu.Unlock()

	return &UnsignedTx{
		From:     NormalizeWallet(addr.Hex()),
		To:       s.contract.Address(),
		Data:     data,
		Gas:      estimateGas(data),
		GasPrice: new(big.Int).Set(s.gasPrice),
		Nonce:    nonce,
		ChainID:  new(big.Int).Set(s.chainID),
	}, nil
}

// estimateGas prices calldata like the intrinsic gas rule plus a flat
// storage allowance per 32-byte word.
func estimateGas(data []byte) uint64 {
	gas := uint64(21_000)
	for _, b := range data {
		if b == 0 {
			gas += 4
		} else {
			gas += 16
		}
	}
	return gas + uint64(len(data)/32+1)*20_000
}

// SendTransaction mines tx as if signed by tx.From, returning the hash.
func (s *Simulated) SendTransaction(ctx context.Context, tx *UnsignedTx) (string, error) {
	return s.MineRaw(ctx, tx.From, tx.To, tx.Data, TxStatusSuccess)
}

// MineRaw mines arbitrary calldata with the given status.
func (s *Simulated) MineRaw(ctx context.Context, from, to string, data []byte, status uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := parseWallet(from)
	if err != nil {
		return "", err
	}
	t, err := parseWallet(to)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mine(f, t, data, status).Hash, nil
}

// TransactionByHash returns a mined transaction.
func (s *Simulated) TransactionByHash(ctx context.Context, hash string) (*MinedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, ErrTxNotFound
	}
	out := *tx
	out.Data = append([]byte(nil), tx.Data...)
	return &out, nil
}

// DelegationEvents returns delegation changes mined at or after fromBlock,
// in block order.
func (s *Simulated) DelegationEvents(ctx context.Context, fromBlock uint64) ([]DelegationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DelegationEvent
	for _, ev := range s.events {
		if ev.BlockNumber >= fromBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}
