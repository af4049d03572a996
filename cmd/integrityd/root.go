package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "integrityd",
	Short: "Asset integrity and versioning engine",
	Long: `integrityd keeps versioned asset metadata in a relational database,
anchors every version's content id on a ledger, and verifies and recovers
versions whose stored metadata no longer matches their anchor.

Every flag can also be set from the environment with the INTEGRITY_ prefix,
for example --db-dsn as INTEGRITY_DB_DSN.

With --ledger=rpc anchors go to a deployed registry contract through an
Ethereum JSON-RPC node, signed with --signer-key. The simulated ledger
lives in process memory. Anchors written by one
invocation are not visible to the next, so verification commands are only
meaningful inside a running "serve" process or against a real ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog is used for fatal startup errors only.
		_ = flag.Set("logtostderr", "true")

		level, err := parseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	cobra.OnInitialize(initViper)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Engine config file (yaml)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.String("db-driver", "sqlite", "Database driver: postgres, mysql or sqlite")
	pf.String("db-dsn", "integrity.db", "Database connection string")
	pf.String("blob-path", "integrity-blobs.db", "Path of the content blob file")
	pf.String("ledger", "simulated", "Ledger backend: simulated or rpc")
	pf.String("server-wallet", "", "Wallet that signs engine-initiated anchors")
	pf.Int64("chain-id", 0, "Chain id (0 uses the simulated default or asks the node)")
	pf.String("contract", "", "Registry contract address")
	pf.String("rpc-url", "", "JSON-RPC endpoint of the rpc ledger")
	pf.String("signer-key", "", "Hex private key of the server wallet for the rpc ledger")
	pf.Uint64("from-block", 0, "Registry deployment block; log scans start here")
	pf.Duration("receipt-poll-interval", time.Second, "How often the rpc ledger polls for anchor receipts")

	bindFlags(pf)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(syncDelegationsCmd)
}

func initViper() {
	viper.SetEnvPrefix("INTEGRITY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags exposes every flag in fs through viper under its own name.
func bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
