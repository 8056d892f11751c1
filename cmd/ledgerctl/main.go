// Command ledgerctl administers the evidence audit ledger: key generation,
// chain verification, exports and statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/artpromedia/evidence-ledger/internal/app"
	"github.com/artpromedia/evidence-ledger/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errChainInvalid makes verification failures exit non-zero without
// printing usage.
var errChainInvalid = errors.New("audit chain failed verification")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds flags shared by every subcommand.
type cli struct {
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Evidence audit ledger CLI",
		Long: `ledgerctl administers the tamper-evident evidence audit ledger.

It reads the same ledger.yaml and environment variables as ledgerd, so it
operates on whichever store (postgres, sqlite, badger) the server uses.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.verbose {
				logger, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				c.logger = logger
			} else {
				c.logger = zap.NewNop()
			}
			cfg, err := config.Load(config.New(c.cfgFile))
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default configs/ledger.yaml or ./ledger.yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log diagnostics to stderr")

	root.AddCommand(
		newKeygenCmd(),
		newVerifyCmd(c),
		newExportCmd(c),
		newStatsCmd(c),
		newVerifyExportCmd(),
		newVersionCmd(),
	)
	return root
}

// open builds the ledger from the loaded configuration.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.cfg, c.logger)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s (evidence audit ledger)\n", version)
		},
	}
}
