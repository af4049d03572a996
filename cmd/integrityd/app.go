package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/kubeflow/asset-integrity/pkg/blob"
	"github.com/kubeflow/asset-integrity/pkg/cache"
	"github.com/kubeflow/asset-integrity/pkg/integrity"
	"github.com/kubeflow/asset-integrity/pkg/jobs"
	"github.com/kubeflow/asset-integrity/pkg/ledger"
	"github.com/kubeflow/asset-integrity/pkg/store"
)

// app holds every wired component of one process.
type app struct {
	db     *gorm.DB
	stores *store.Stores
	jobs   *jobs.JobStore
	bolt   *blob.BoltStore
	ledger ledger.Ledger
	rpc    *ledger.RPC
	engine *integrity.Engine
	logger *slog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	logger := slog.Default()

	dbCfg := store.ConfigFromEnv()
	dbCfg.Driver = viper.GetString("db-driver")
	dbCfg.DSN = viper.GetString("db-dsn")
	db, err := store.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	a := &app{db: db, stores: store.NewStores(db), jobs: jobs.NewJobStore(db), logger: logger}
	if err := a.migrate(ctx, dbCfg); err != nil {
		a.Close()
		return nil, err
	}

	a.bolt, err = blob.OpenBoltStore(viper.GetString("blob-path"), blob.WithLogger(logger))
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.openLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}

	engineCfg := integrity.EngineConfigFromEnv()
	if cfgFile != "" {
		if engineCfg, err = integrity.LoadConfigFile(cfgFile); err != nil {
			a.Close()
			return nil, err
		}
	}
	if w := viper.GetString("server-wallet"); w != "" {
		engineCfg.ServerWallet = w
	}
	if a.rpc != nil {
		if engineCfg.ServerWallet != "" && !ledger.SameWallet(engineCfg.ServerWallet, a.rpc.SignerAddress()) {
			a.Close()
			return nil, fmt.Errorf("server wallet %s does not match signer key address %s", engineCfg.ServerWallet, a.rpc.SignerAddress())
		}
		engineCfg.ServerWallet = a.rpc.SignerAddress()
	}

	a.engine, err = integrity.NewEngine(engineCfg, integrity.Deps{
		Versions:    a.stores.Versions,
		Audit:       a.stores.Audit,
		Delegations: a.stores.Delegations,
		Blobs:       blob.NewCachedStore(a.bolt, cache.CacheConfigFromEnv()),
		Ledger:      a.ledger,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openLedger(ctx context.Context) error {
	switch backend := viper.GetString("ledger"); backend {
	case "simulated":
		simCfg := ledger.DefaultSimulatedConfig()
		if id := viper.GetInt64("chain-id"); id != 0 {
			simCfg.ChainID = id
		}
		if addr := viper.GetString("contract"); addr != "" {
			simCfg.ContractAddress = addr
		}
		sim, err := ledger.NewSimulated(simCfg, a.logger)
		if err != nil {
			return err
		}
		a.ledger = sim
	case "rpc":
		rpc, err := ledger.DialRPC(ctx, ledger.RPCConfig{
			URL:             viper.GetString("rpc-url"),
			ContractAddress: viper.GetString("contract"),
			SignerKey:       viper.GetString("signer-key"),
			ChainID:         viper.GetInt64("chain-id"),
			FromBlock:       viper.GetUint64("from-block"),
			PollInterval:    viper.GetDuration("receipt-poll-interval"),
		}, a.logger)
		if err != nil {
			return err
		}
		a.rpc, a.ledger = rpc, rpc
	default:
		return fmt.Errorf("unsupported ledger %q", backend)
	}
	return nil
}

func (a *app) migrate(ctx context.Context, cfg *store.Config) error {
	var locker store.MigrationLocker
	if cfg.MigrationLockEnabled {
		locker = store.NewMigrationLocker(a.db, cfg.Identity)
	}
	if err := a.stores.Migrate(ctx, locker, a.logger); err != nil {
		return err
	}
	return a.jobs.AutoMigrate()
}

// Close releases the blob file and the database pool.
func (a *app) Close() {
	var errs []error
	if a.rpc != nil {
		a.rpc.Close()
	}
	if a.bolt != nil {
		errs = append(errs, a.bolt.Close())
	}
	if sqlDB, err := a.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close failed", "error", err)
	}
}
