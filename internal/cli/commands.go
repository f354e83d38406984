package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pixelmind/backend/internal/database"
	"github.com/pixelmind/backend/internal/services"
	"github.com/spf13/cobra"
)

var errDrift = errors.New("ledger drift detected")

func newMigrateCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			applied, err := app.migrate(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations (schema version %d)\n", applied, database.LatestVersion())
			return nil
		},
	}
}

func newVerifyCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every balance against the sum of its ledger entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			drift, err := app.admin.Verify(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(drift) == 0 {
				_, _ = fmt.Fprintln(out, "ok: every balance matches its ledger")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ACCOUNT\tBALANCE\tLEDGER\tENTRIES")
			for _, d := range drift {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", d.AccountID, d.Balance, d.LedgerSum, d.EntryCount)
			}
			_ = tw.Flush()
			return fmt.Errorf("%w in %d accounts", errDrift, len(drift))
		},
	}
}

func newAdjustCmd(app *app) *cobra.Command {
	var (
		accountID string
		amount    int64
		reason    string
		actor     string
	)

	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Post a manual credit adjustment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct, err := app.admin.Adjust(cmd.Context(), accountID, amount, reason, actor)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d\n", acct.ID, acct.Balance)
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "credits to add (negative to remove)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the ledger entry")
	cmd.Flags().StringVar(&actor, "actor", "creditctl", "who is making the adjustment")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newAccountCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect accounts",
	}

	cmd.AddCommand(newAccountShowCmd(app))
	return cmd
}

func newAccountShowCmd(app *app) *cobra.Command {
	var (
		entries int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show an account's balance and recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := app.accounts.Me(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			recent, err := app.accounts.Ledger(cmd.Context(), args[0], entries)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, map[string]any{"account": acct, "entries": recent})
			}

			_, _ = fmt.Fprintf(out, "account:  %s (%s)\n", acct.ID, acct.Email)
			_, _ = fmt.Fprintf(out, "plan:     %s (subscription active: %t)\n", acct.Plan, acct.SubscriptionActive)
			_, _ = fmt.Fprintf(out, "balance:  %d\n", acct.Balance)
			_, _ = fmt.Fprintf(out, "used:     %d\n", acct.LifetimeUsed)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tKIND\tAMOUNT\tAFTER\tWHEN\tDESCRIPTION")
			for _, e := range recent {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%+d\t%d\t%s\t%s\n", e.ID, e.Kind, e.Amount, e.BalanceAfter, e.CreatedAt.Format(time.RFC3339), e.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&entries, "entries", 10, "number of ledger entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newJobCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}

	cmd.AddCommand(newJobWaitCmd(app))
	return cmd
}

func newJobWaitCmd(app *app) *cobra.Command {
	var opts services.PollOptions

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait until a job completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := app.credits.WaitForJob(cmd.Context(), args[0], opts)
			if job != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.ID, job.Tool, job.State)
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", services.DefaultPollOptions.Interval, "time between polls")
	cmd.Flags().IntVar(&opts.MaxAttempts, "attempts", services.DefaultPollOptions.MaxAttempts, "polls before giving up")
	return cmd
}

func newReconciliationsCmd(app *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "reconciliations",
		Short: "List refunds that need manual handling",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := app.admin.ManualReconciliations(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "JOB\tACCOUNT\tAMOUNT\tREASON")
			for _, m := range items {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.JobID, m.AccountID, m.Amount, m.Reason)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
