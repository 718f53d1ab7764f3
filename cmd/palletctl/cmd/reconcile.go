package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
)

var reprocessOnly bool

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a reconciliation pass now",
	Long: `Fetch the external table and converge the canonical store onto it.

A manual pass is recorded like a notification so it shows up in the audit
trail. With --reprocess, one pass runs on behalf of every failed or stuck
notification instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			var res reconcile.Result
			var err error
			if reprocessOnly {
				res, err = a.Engine.Reprocess(ctx, a.Config.Reconcile.StuckAfter, a.Config.Reconcile.ReprocessMaxAttempts, 500)
			} else {
				res, err = a.Engine.Run(ctx)
			}
			if err != nil {
				return fmt.Errorf("reconciliation failed: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), res)
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Reconciled (%s) in %s\n", res.Trigger, res.Duration)
			fmt.Fprintf(w, "  Inserted: %d\n", res.Inserted)
			fmt.Fprintf(w, "  Updated: %d\n", res.Updated)
			fmt.Fprintf(w, "  Deleted: %d\n", res.Deleted)
			fmt.Fprintf(w, "  Skipped rows: %d\n", res.Skipped)
			fmt.Fprintf(w, "  Notifications queued: %d\n", res.Notified)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reprocessOnly, "reprocess", false, "reprocess failed and stuck notifications")
}
