package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kubeflow/asset-integrity/pkg/fault"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// Gate authorizes writes made by a wallet other than the asset owner. The
// ledger is the only authority; the delegation cache serves listings.
type Gate struct {
	ledger ledger.Ledger
	cache  *store.DelegationStore
	logger *slog.Logger
}

// NewGate creates a Gate. cache may be nil when no listing is needed.
func NewGate(l ledger.Ledger, cache *store.DelegationStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: l, cache: cache, logger: logger.With("component", "delegation")}
}

// AuthorizeWrite allows the owner, or a wallet the ledger currently reports
// as the owner's delegate. Everything else is AuthorizationDenied.
func (g *Gate) AuthorizeWrite(ctx context.Context, owner, acting string) error {
	const op = "authorizeWrite"
	if acting == "" {
		return fault.New(fault.AuthorizationDenied, op, "acting wallet is required")
	}
	if ledger.SameWallet(owner, acting) {
		return nil
	}
	if !ledger.ValidWallet(acting) || !ledger.ValidWallet(owner) {
		return fault.New(fault.AuthorizationDenied, op, "%s may not act for %s", acting, owner)
	}
	ok, err := g.ledger.IsDelegated(ctx, owner, acting)
	if err != nil {
		return fmt.Errorf("query delegation: %w", err)
	}
	if !ok {
		return fault.New(fault.AuthorizationDenied, op, "%s is not a delegate of %s", acting, owner).
			WithDetail("ownerWallet", owner).
			WithDetail("actingWallet", acting)
	}
	return nil
}

// Sync applies one ledger delegation event to the cache. It reports whether
// the cache changed; stale and replayed events are ignored.
func (g *Gate) Sync(ctx context.Context, ev ledger.DelegationEvent) (bool, error) {
	if g.cache == nil {
		return false, nil
	}
	applied, err := g.cache.Upsert(ctx, &store.DelegationRecord{
		OwnerWallet:    ledger.NormalizeWallet(ev.Owner),
		DelegateWallet: ledger.NormalizeWallet(ev.Delegate),
		IsActive:       ev.Active,
		AnchorTxID:     ev.TxID,
		BlockNumber:    ev.BlockNumber,
	})
	if err != nil {
		return false, err
	}
	if applied {
		g.logger.Debug("delegation cached", "owner", ev.Owner, "delegate", ev.Delegate, "active", ev.Active, "block", ev.BlockNumber)
	}
	return applied, nil
}

// SyncFromLedger replays delegation events from fromBlock into the cache and
// returns how many changed it.
func (g *Gate) SyncFromLedger(ctx context.Context, fromBlock uint64) (int, error) {
	events, err := g.ledger.DelegationEvents(ctx, fromBlock)
	if err != nil {
		return 0, fmt.Errorf("list delegation events: %w", err)
	}
	applied := 0
	for _, ev := range events {
		ok, err := g.Sync(ctx, ev)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	g.logger.Info("delegation sync finished", "fromBlock", fromBlock, "events", len(events), "applied", applied)
	return applied, nil
}

// ListDelegates returns the cached active delegates of owner. The result
// may lag the ledger and must not be used for authorization.
func (g *Gate) ListDelegates(ctx context.Context, owner string) ([]store.DelegationRecord, error) {
	if g.cache == nil {
		return nil, nil
	}
	return g.cache.ListByOwner(ctx, ledger.NormalizeWallet(owner), true)
}
