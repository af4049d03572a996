package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}

func TestBindFlagsEnvOverride(t *testing.T) {
	t.Cleanup(viper.Reset)
	initViper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db-dsn", "integrity.db", "")
	fs.Int64("chain-id", 1337, "")
	bindFlags(fs)

	assert.Equal(t, "integrity.db", viper.GetString("db-dsn"))

	t.Setenv("INTEGRITY_DB_DSN", "file:test.db")
	assert.Equal(t, "file:test.db", viper.GetString("db-dsn"))

	require.NoError(t, fs.Parse([]string{"--chain-id=31337"}))
	assert.Equal(t, int64(31337), viper.GetInt64("chain-id"))
}

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "verify", "history", "jobs", "sync-delegations"} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestOpenLedgerBackends(t *testing.T) {
	t.Cleanup(viper.Reset)
	ctx := context.Background()

	viper.Set("ledger", "simulated")
	a := &app{logger: slog.Default()}
	require.NoError(t, a.openLedger(ctx))
	assert.Nil(t, a.rpc)
	assert.Equal(t, "0x5fbdb2315678afecb367f032d93f642f64180aa3", a.ledger.ContractAddress())

	viper.Set("ledger", "rpc")
	a = &app{logger: slog.Default()}
	assert.Error(t, a.openLedger(ctx), "rpc ledger needs an endpoint")

	viper.Set("ledger", "ganache")
	assert.ErrorContains(t, (&app{logger: slog.Default()}).openLedger(ctx), "unsupported ledger")
}
