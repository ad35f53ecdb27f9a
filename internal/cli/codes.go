package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/nostreward/internal/codes"
	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
)

func newAddCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "add [code]",
		Short: "Add a redeem code (prompts without echo when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if len(args) == 1 {
				code = args[0]
			} else {
				var err error
				if code, err = promptCode(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}

			l, err := opts.openLedger()
			if err != nil {
				return err
			}
			fp, err := l.Add(code)
			if errors.Is(err, common.ErrDuplicateCode) {
				return fmt.Errorf("code already exists: %w", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added code %s\n", ledger.Short(fp))
			return nil
		},
	}
}

func newAddBatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "add-batch <file>",
		Short: "Add codes from a file, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			l, err := opts.openLedger()
			if err != nil {
				return err
			}

			var added, total int
			sc := bufio.NewScanner(f)
			for lineNo := 1; sc.Scan(); lineNo++ {
				code := codes.Trim(sc.Text())
				if code == "" {
					continue
				}
				total++
				if _, err := l.Add(code); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", lineNo, err)
					continue
				}
				added++
			}
			if err := sc.Err(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d/%d codes\n", added, total)
			return nil
		},
	}
}

func status(e ledger.Entry) string {
	switch {
	case !e.Used:
		return "available"
	case e.PaymentPending:
		return "PAYMENT UNKNOWN"
	case e.PaymentFailed:
		if e.RetryAt != nil {
			return "PAYMENT FAILED, retry " + e.RetryAt.UTC().Format(time.RFC3339)
		}
		return "PAYMENT FAILED"
	default:
		return "used"
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List codes by fingerprint prefix and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.openLedger()
			if err != nil {
				return err
			}
			entries := l.Entries()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No codes.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HASH\tSTATUS\tUSED BY\tEVENT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					ledger.Short(e.Fingerprint), status(e), ledger.Short(deref(e.UsedBy)), ledger.Short(deref(e.UsedOnEvent)))
			}
			return tw.Flush()
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show code counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.openLedger()
			if err != nil {
				return err
			}
			s := l.Stats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Total:           %d\n", s.Total)
			fmt.Fprintf(w, "Used:            %d\n", s.Used)
			fmt.Fprintf(w, "Available:       %d\n", s.Available)
			fmt.Fprintf(w, "Pending retry:   %d\n", s.PendingRetry)
			fmt.Fprintf(w, "Payment unknown: %d\n", s.Unknown)
			return nil
		},
	}
}

func newRequeueCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <hash-prefix>",
		Short: "Make a failed or unknown payment due for retry now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.openLedger()
			if err != nil {
				return err
			}
			e, err := l.Requeue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s; the daemon retries it on its next pass\n", ledger.Short(e.Fingerprint))
			return nil
		},
	}
}
