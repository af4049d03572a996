package batch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/integrity"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
)

// Preparer builds unsigned anchorBatch transactions and completes them once
// mined. Pending batches live in memory only.
type Preparer struct {
	orch     *integrity.Orchestrator
	ledger   ledger.Ledger
	contract *ledger.Contract
	pending  *cache.Cache
	locks    []sync.Mutex
	cfg      *BatchConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewPreparer creates a Preparer whose pending batches expire after
// cfg.PendingTTL.
func NewPreparer(orch *integrity.Orchestrator, l ledger.Ledger, cfg *BatchConfig, logger *slog.Logger) (*Preparer, error) {
	if cfg == nil {
		cfg = DefaultBatchConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	contract, err := ledger.NewContract(l.ContractAddress())
	if err != nil {
		return nil, err
	}
	shards := cfg.LockShards
	if shards <= 0 {
		shards = 1
	}

	p := &Preparer{
		orch:     orch,
		ledger:   l,
		contract: contract,
		pending:  cache.New(cfg.PendingTTL, cfg.CleanupInterval),
		locks:    make([]sync.Mutex, shards),
		cfg:      cfg,
		logger:   logger.With("component", "batch"),
		now:      time.Now,
	}
	p.pending.OnEvicted(func(batchID string, v any) {
		op, ok := v.(*PendingOperation)
		if !ok {
			return
		}
		mu := p.lockFor(batchID)
		mu.Lock()
		finished := op.finished
		mu.Unlock()
		if !finished {
			p.logger.Warn("pending batch expired", "batchId", batchID, "items", len(op.Items), "age", p.now().Sub(op.CreatedAt).String())
		}
	})
	return p, nil
}

func (p *Preparer) lockFor(batchID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(batchID))
	return &p.locks[h.Sum32()%uint32(len(p.locks))]
}

// PrepareBatch authorizes and stores every item, then builds one unsigned
// anchorBatch transaction for the acting wallet to sign.
func (p *Preparer) PrepareBatch(ctx context.Context, req PrepareRequest) (*PreparedBatch, error) {
	const op = "prepareBatch"
	if !ledger.ValidWallet(req.ActingWallet) {
		return nil, fault.New(fault.ValidationError, op, "acting wallet %q is not a valid address", req.ActingWallet)
	}
	if len(req.Items) == 0 {
		return nil, fault.New(fault.ValidationError, op, "batch has no items")
	}
	if p.cfg.MaxItems > 0 && len(req.Items) > p.cfg.MaxItems {
		return nil, fault.New(fault.ValidationError, op, "batch has %d items, limit is %d", len(req.Items), p.cfg.MaxItems)
	}
	seen := make(map[string]bool, len(req.Items))
	for _, it := range req.Items {
		if it.AssetID == "" {
			return nil, fault.New(fault.ValidationError, op, "item without assetId")
		}
		if seen[it.AssetID] {
			return nil, fault.New(fault.ValidationError, op, "asset %s appears more than once", it.AssetID)
		}
		seen[it.AssetID] = true
		if err := integrity.ValidateCritical(it.Critical); err != nil {
			return nil, err
		}
		if err := integrity.ValidateNonCritical(it.NonCritical); err != nil {
			return nil, err
		}
	}

	pending := &PendingOperation{
		BatchID:      uuid.NewString(),
		ActingWallet: ledger.NormalizeWallet(req.ActingWallet),
		Items:        make([]ItemState, len(req.Items)),
		CreatedAt:    p.now(),
		requests:     make([]Item, len(req.Items)),
	}

	anchorItems := make([]ledger.AnchorItem, len(req.Items))
	for i, it := range req.Items {
		version, owner, err := p.orch.PlanVersion(ctx, it.AssetID, it.OwnerWallet)
		if err != nil {
			return nil, err
		}
		if err := p.orch.Authorize(ctx, owner, req.ActingWallet); err != nil {
			return nil, err
		}
		pending.Items[i] = ItemState{AssetID: it.AssetID, OwnerWallet: owner, VersionNumber: version, Status: StatusPending}

		contentID, err := p.orch.StoreContent(ctx, canonical.Envelope{AssetID: it.AssetID, OwnerWallet: owner, Critical: it.Critical})
		if err != nil {
			return nil, err
		}
		pending.Items[i].ContentID = contentID
		pending.Items[i].Status = StatusUploading
		pending.requests[i] = Item{
			AssetID:     it.AssetID,
			OwnerWallet: owner,
			Critical:    it.Critical.Clone(),
			NonCritical: it.NonCritical.Clone(),
		}
		anchorItems[i] = ledger.AnchorItem{AssetID: it.AssetID, VersionNumber: version, ContentID: contentID}
	}

	args := ledger.AnchorBatchArgs(anchorItems)
	tx, err := p.ledger.BuildUnsignedTx(ctx, ledger.FnAnchorBatch, args, req.ActingWallet)
	if err != nil {
		return nil, fmt.Errorf("build batch transaction: %w", err)
	}
	pending.Tx = tx
	pending.Function = ledger.FnAnchorBatch
	pending.Args = args

	p.pending.Set(pending.BatchID, pending, p.cfg.PendingTTL)
	p.logger.Info("batch prepared", "batchId", pending.BatchID, "items", len(pending.Items), "actingWallet", pending.ActingWallet)

	return &PreparedBatch{
		BatchID: pending.BatchID,
		Tx:      tx,
		Items:   append([]ItemState(nil), pending.Items...),
	}, nil
}

// Status returns a snapshot of a pending batch.
func (p *Preparer) Status(batchID string) (*PendingOperation, bool) {
	mu := p.lockFor(batchID)
	mu.Lock()
	defer mu.Unlock()
	v, ok := p.pending.Get(batchID)
	if !ok {
		return nil, false
	}
	return v.(*PendingOperation).snapshot(), true
}

// Pending returns the number of unexpired pending batches.
func (p *Preparer) Pending() int {
	return p.pending.ItemCount()
}

// CompleteBatch checks that minedTxHash is the transaction prepared for
// batchID and then commits every item. A transaction that does not match is
// rejected with ValidationError and nothing is written; the batch stays
// pending. Per-item failures are reported in the result.
func (p *Preparer) CompleteBatch(ctx context.Context, batchID, minedTxHash string) (*Result, error) {
	const op = "completeBatch"
	mu := p.lockFor(batchID)

	mu.Lock()
	v, ok := p.pending.Get(batchID)
	if !ok {
		mu.Unlock()
		return nil, fault.New(fault.NotFound, op, "batch %s not found or expired", batchID)
	}
	pending := v.(*PendingOperation)
	if pending.completing {
		mu.Unlock()
		return nil, fault.New(fault.Conflict, op, "batch %s is already completing", batchID)
	}
	pending.completing = true
	mu.Unlock()

	if err := p.checkMined(ctx, pending, minedTxHash); err != nil {
		mu.Lock()
		pending.completing = false
		mu.Unlock()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.CommitConcurrency > 0 {
		g.SetLimit(p.cfg.CommitConcurrency)
	}
	for i := range pending.requests {
		g.Go(func() error {
			p.commitItem(gctx, pending, i, minedTxHash)
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	pending.finished = true
	result := &Result{BatchID: batchID, TxHash: minedTxHash, Items: append([]ItemState(nil), pending.Items...)}
	mu.Unlock()
	p.pending.Delete(batchID)

	for _, it := range result.Items {
		if it.Status == StatusCompleted {
			result.Completed++
		} else {
			result.Failed++
		}
	}
	p.logger.Info("batch completed", "batchId", batchID, "tx", minedTxHash, "completed", result.Completed, "failed", result.Failed)
	return result, nil
}

func (p *Preparer) checkMined(ctx context.Context, pending *PendingOperation, hash string) error {
	const op = "completeBatch"
	reject := func(format string, args ...any) error {
		return fault.New(fault.ValidationError, op, format, args...).
			WithDetail("batchId", pending.BatchID).
			WithDetail("txHash", hash)
	}

	mined, err := p.ledger.TransactionByHash(ctx, hash)
	if errors.Is(err, ledger.ErrTxNotFound) {
		return reject("transaction %s not found", hash)
	}
	if err != nil {
		return fmt.Errorf("fetch transaction %s: %w", hash, err)
	}
	if !ledger.SameWallet(mined.To, p.contract.Address()) {
		return reject("transaction targets %s, not the registry", mined.To)
	}
	if mined.Status != ledger.TxStatusSuccess {
		return reject("transaction %s failed on chain", hash)
	}
	if !ledger.SameWallet(mined.From, pending.ActingWallet) {
		return reject("transaction sent by %s, batch prepared for %s", mined.From, pending.ActingWallet)
	}
	if !p.contract.SameCall(pending.Tx.Data, mined.Data) {
		return reject("transaction does not carry the prepared %s call", pending.Function)
	}
	return nil
}

func (p *Preparer) commitItem(ctx context.Context, pending *PendingOperation, i int, hash string) {
	mu := p.lockFor(pending.BatchID)
	mu.Lock()
	state := pending.Items[i]
	mu.Unlock()
	req := pending.requests[i]

	rec, err := p.orch.CommitAnchored(ctx, integrity.AnchoredVersion{
		AssetID:       req.AssetID,
		OwnerWallet:   req.OwnerWallet,
		ActorWallet:   pending.ActingWallet,
		VersionNumber: state.VersionNumber,
		Critical:      req.Critical,
		NonCritical:   req.NonCritical,
		ContentID:     state.ContentID,
		AnchorTxID:    hash,
		BatchID:       pending.BatchID,
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		pending.Items[i].Status = StatusError
		pending.Items[i].Error = err.Error()
		p.logger.Error("batch item failed", "batchId", pending.BatchID, "assetId", req.AssetID, "error", err)
		return
	}
	pending.Items[i].Status = StatusCompleted
	pending.Items[i].VersionID = rec.ID
}
