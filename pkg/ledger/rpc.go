package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCConfig configures a ledger backed by an Ethereum JSON-RPC node.
type RPCConfig struct {
	URL             string
	ContractAddress string
	// SignerKey is the hex private key of the server wallet. Anchor can
	// only sign for this wallet.
	SignerKey string
	// ChainID is read from the node when zero.
	ChainID int64
	// FromBlock is the registry's deployment block; log scans start there.
	FromBlock uint64
	// PollInterval is how often Anchor polls for its receipt.
	PollInterval time.Duration
}

// RPCClient is the subset of ethclient.Client the RPC ledger uses.
type RPCClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// RPC is a Ledger talking to a deployed registry contract over JSON-RPC.
type RPC struct {
	client   RPCClient
	contract *Contract
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	cfg      RPCConfig
	logger   *slog.Logger
}

var _ Ledger = (*RPC)(nil)

// DialRPC connects to cfg.URL.
func DialRPC(ctx context.Context, cfg RPCConfig, logger *slog.Logger) (*RPC, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	r, err := NewRPC(ctx, client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// NewRPC wraps an already connected client.
func NewRPC(ctx context.Context, client RPCClient, cfg RPCConfig, logger *slog.Logger) (*RPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	contract, err := NewContract(cfg.ContractAddress)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	return &RPC{
		client:   client,
		contract: contract,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Close closes the underlying connection.
func (r *RPC) Close() { r.client.Close() }

// SignerAddress returns the wallet Anchor signs as.
func (r *RPC) SignerAddress() string { return NormalizeWallet(r.from.Hex()) }

// ContractAddress returns the registry contract address.
func (r *RPC) ContractAddress() string { return r.contract.Address() }

// LatestBlock returns the node's head block number.
func (r *RPC) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("read block number: %w", err)
	}
	return n, nil
}

// Anchor signs and sends an anchor call, then waits for it to be mined.
func (r *RPC) Anchor(ctx context.Context, req AnchorRequest) (Receipt, error) {
	if !SameWallet(req.Signer, r.from.Hex()) {
		return Receipt{}, fmt.Errorf("cannot sign for %s, only for %s", req.Signer, r.SignerAddress())
	}
	data, err := r.contract.Encode(FnAnchor, AnchorArgs(AnchorItem{
		AssetID:       req.AssetID,
		VersionNumber: req.VersionNumber,
		ContentID:     req.ContentID,
	})...)
	if err != nil {
		return Receipt{}, err
	}
	unsigned, err := r.prepare(ctx, r.from, data)
	if err != nil {
		return Receipt{}, err
	}
	to := r.contract.address
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    unsigned.Nonce,
		GasPrice: unsigned.GasPrice,
		Gas:      unsigned.Gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	}), r.signer, r.key)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign anchor tx: %w", err)
	}
	if err := r.client.SendTransaction(ctx, tx); err != nil {
		return Receipt{}, fmt.Errorf("send anchor tx: %w", err)
	}
	r.logger.Debug("anchor tx sent", "assetId", req.AssetID, "version", req.VersionNumber, "tx", tx.Hash().Hex())

	receipt, err := r.waitMined(ctx, tx.Hash())
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("anchor tx %s reverted", tx.Hash().Hex())
	}
	return Receipt{
		TxID:        tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Sender:      r.SignerAddress(),
	}, nil
}

func (r *RPC) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("read receipt of %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// QueryAnchor scans the registry's Anchored logs for the version.
func (r *RPC) QueryAnchor(ctx context.Context, q AnchorQuery) (*AnchorRecord, error) {
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.cfg.FromBlock),
		Addresses: []common.Address{r.contract.address},
		Topics:    [][]common.Hash{{r.contract.EventID(EventAnchored)}, {AssetKey(q.AssetID)}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter anchor logs: %w", err)
	}

	var chosen *types.Log
	var item AnchorItem
	for i := range logs {
		l := &logs[i]
		if l.Removed {
			continue
		}
		it, err := r.contract.DecodeAnchored(*l)
		if err != nil {
			r.logger.Debug("skipping undecodable anchor log", "tx", l.TxHash.Hex(), "error", err)
			continue
		}
		if it.AssetID != q.AssetID || it.VersionNumber != q.VersionNumber {
			continue
		}
		if chosen != nil && q.TxID != "" && strings.EqualFold(chosen.TxHash.Hex(), q.TxID) {
			continue
		}
		chosen, item = l, it
	}
	if chosen == nil {
		return nil, nil
	}

	tx, _, err := r.client.TransactionByHash(ctx, chosen.TxHash)
	if err != nil {
		return nil, fmt.Errorf("read anchor tx %s: %w", chosen.TxHash.Hex(), err)
	}
	sender, err := types.Sender(r.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender of %s: %w", chosen.TxHash.Hex(), err)
	}
	return &AnchorRecord{
		AssetID:       item.AssetID,
		VersionNumber: item.VersionNumber,
		ContentID:     item.ContentID,
		TxID:          chosen.TxHash.Hex(),
		TxSender:      NormalizeWallet(sender.Hex()),
		BlockNumber:   chosen.BlockNumber,
	}, nil
}

func (r *RPC) isDelegate(ctx context.Context, owner, delegate string, block *big.Int) (bool, error) {
	if _, err := parseWallet(owner); err != nil {
		return false, err
	}
	if _, err := parseWallet(delegate); err != nil {
		return false, err
	}
	data, err := r.contract.Encode(FnIsDelegate, common.HexToAddress(owner), common.HexToAddress(delegate))
	if err != nil {
		return false, err
	}
	to := r.contract.address
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", FnIsDelegate, err)
	}
	return r.contract.DecodeBool(FnIsDelegate, out)
}

// IsDelegated asks the registry at the head block.
func (r *RPC) IsDelegated(ctx context.Context, owner, delegate string) (bool, error) {
	return r.isDelegate(ctx, owner, delegate, nil)
}

// WasDelegatedAt asks the registry as of block. The node must keep state
// for that block.
func (r *RPC) WasDelegatedAt(ctx context.Context, owner, delegate string, block uint64) (bool, error) {
	return r.isDelegate(ctx, owner, delegate, new(big.Int).SetUint64(block))
}

func (r *RPC) prepare(ctx context.Context, from common.Address, data []byte) (*UnsignedTx, error) {
	nonce, err := r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	to := r.contract.address
	gas, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	return &UnsignedTx{
		From:     NormalizeWallet(from.Hex()),
		To:       r.contract.Address(),
		Data:     data,
		Gas:      gas,
		GasPrice: gasPrice,
		Nonce:    nonce,
		ChainID:  new(big.Int).Set(r.chainID),
	}, nil
}

// BuildUnsignedTx encodes fn(args) with the node's nonce and gas figures.
func (r *RPC) BuildUnsignedTx(ctx context.Context, fn string, args []any, from string) (*UnsignedTx, error) {
	addr, err := parseWallet(from)
	if err != nil {
		return nil, err
	}
	data, err := r.contract.Encode(fn, args...)
	if err != nil {
		return nil, err
	}
	return r.prepare(ctx, addr, data)
}

// TransactionByHash returns a mined transaction with its receipt status.
// Pending transactions are reported as not found.
func (r *RPC) TransactionByHash(ctx context.Context, hash string) (*MinedTx, error) {
	h := common.HexToHash(hash)
	tx, pending, err := r.client.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) || (err == nil && pending) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read tx %s: %w", hash, err)
	}
	receipt, err := r.client.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt of %s: %w", hash, err)
	}
	sender, err := types.Sender(r.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender of %s: %w", hash, err)
	}
	out := &MinedTx{
		Hash:        h.Hex(),
		From:        NormalizeWallet(sender.Hex()),
		Data:        tx.Data(),
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if to := tx.To(); to != nil {
		out.To = NormalizeWallet(to.Hex())
	}
	return out, nil
}

// DelegationEvents returns DelegateSet logs mined at or after fromBlock.
func (r *RPC) DelegationEvents(ctx context.Context, fromBlock uint64) ([]DelegationEvent, error) {
	fromBlock = max(fromBlock, r.cfg.FromBlock)
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{r.contract.address},
		Topics:    [][]common.Hash{{r.contract.EventID(EventDelegateSet)}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter delegation logs: %w", err)
	}
	out := make([]DelegationEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := r.contract.DecodeDelegateSet(l)
		if err != nil {
			r.logger.Debug("skipping undecodable delegation log", "tx", l.TxHash.Hex(), "error", err)
			continue
		}
		ev.TxID = l.TxHash.Hex()
		ev.BlockNumber = l.BlockNumber
		out = append(out, ev)
	}
	return out, nil
}
