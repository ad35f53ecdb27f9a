// Package cli implements rewardctl, the operator tool for the code ledger
// and the reward journal.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/nostreward/internal/ledger"
)

// Env carries process I/O so commands can be driven from tests.
type Env struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
}

func DefaultEnv() Env {
	return Env{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, Getenv: os.Getenv}
}

type options struct {
	codesFile  string
	journalDSN string
}

func envOr(getenv func(string) string, name, fallback string) string {
	if getenv != nil {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return fallback
}

// NewRootCmd builds the rewardctl command tree.
func NewRootCmd(env Env) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "rewardctl",
		Short:         "Manage nostreward redeem codes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(env.Stdin)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)

	root.PersistentFlags().StringVar(&opts.codesFile, "codes", envOr(env.Getenv, "CODES_FILE", "codes.json"), "codes document")
	root.PersistentFlags().StringVar(&opts.journalDSN, "journal", envOr(env.Getenv, "JOURNAL_DSN", "journal.db"), "journal sqlite path or postgres DSN")

	root.AddCommand(
		newAddCmd(opts),
		newAddBatchCmd(opts),
		newListCmd(opts),
		newStatsCmd(opts),
		newRequeueCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

func (o *options) openLedger() (*ledger.Ledger, error) {
	return ledger.Open(o.codesFile)
}
