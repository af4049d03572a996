// Package integrity implements the asset integrity engine: versioned writes
// anchored on a ledger, history and comparison, three-way verification,
// recovery from anchored content, and delegation-gated authorization.
package integrity

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kubeflow/asset-integrity/pkg/blob"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// Deps are the collaborators shared by every engine component.
type Deps struct {
	Versions    *store.VersionStore
	Audit       *store.AuditStore
	Delegations *store.DelegationStore
	Blobs       blob.Store
	Ledger      ledger.Ledger
}

// Engine bundles the engine components wired over one set of Deps.
type Engine struct {
	Orchestrator *Orchestrator
	History      *History
	Verifier     *Verifier
	Recoverer    *Recoverer
	Gate         *Gate
}

// NewEngine validates cfg and wires every component.
func NewEngine(cfg *EngineConfig, deps Deps, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !ledger.ValidWallet(cfg.ServerWallet) {
		return nil, fmt.Errorf("server wallet %q is not a valid address", cfg.ServerWallet)
	}
	if deps.Versions == nil || deps.Audit == nil || deps.Blobs == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("engine requires version store, audit store, blob store and ledger")
	}

	gate := NewGate(deps.Ledger, deps.Delegations, logger)
	orch := &Orchestrator{
		versions: deps.Versions,
		audit:    deps.Audit,
		blobs:    deps.Blobs,
		ledger:   deps.Ledger,
		gate:     gate,
		cfg:      *cfg,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
	verifier := &Verifier{
		versions:     deps.Versions,
		audit:        deps.Audit,
		ledger:       deps.Ledger,
		serverWallet: cfg.ServerWallet,
		logger:       logger.With("component", "verifier"),
		now:          time.Now,
	}
	return &Engine{
		Orchestrator: orch,
		History:      &History{versions: deps.Versions},
		Verifier:     verifier,
		Recoverer: &Recoverer{
			verifier: verifier,
			orch:     orch,
			versions: deps.Versions,
			blobs:    deps.Blobs,
			audit:    deps.Audit,
			logger:   logger.With("component", "recovery"),
		},
		Gate: gate,
	}, nil
}
