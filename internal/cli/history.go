package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/nostreward/internal/journal"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "history [n]",
		Short: "Show the most recent reward actions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 20
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					return fmt.Errorf("n must be a positive integer")
				}
				n = v
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			j, err := journal.Open(ctx, opts.journalDSN, nil)
			if err != nil {
				return err
			}
			defer j.Close()

			var records []journal.Record
			if code != "" {
				records, err = j.ForFingerprint(ctx, code)
				if len(records) > n {
					records = records[:n]
				}
			} else {
				records, err = j.Recent(ctx, n)
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No journal entries.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tOUTCOME\tHASH\tEVENT\tDETAIL")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.UTC().Format(time.RFC3339), r.Action, r.Outcome,
					ledger.Short(r.Fingerprint), ledger.Short(r.EventID), r.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "only show entries for this hash prefix")
	return cmd
}
