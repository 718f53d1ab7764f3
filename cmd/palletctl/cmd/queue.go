package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/domain"
)

var (
	enqChannel    string
	enqRecipient  string
	enqSubject    string
	enqBody       string
	enqTaskID     string
	enqMaxRetries int
	drainBatch    int
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the outbound notification queue",
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue an outbound notification",
	Long: `Queue a notification for delivery on the next drain.

Example:
  palletctl queue enqueue --channel sms --recipient +15550100 --body "Pallet P7 is ready"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			item, err := a.Queue.Enqueue(ctx, domain.QueueItem{
				Channel:    domain.Channel(enqChannel),
				Recipient:  enqRecipient,
				Subject:    enqSubject,
				Body:       enqBody,
				TaskID:     enqTaskID,
				MaxRetries: enqMaxRetries,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), item)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s notification: %s\n", item.Channel, item.ID)
			return nil
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver due queue items from this process",
	Long: `Claim and deliver due items. Push deliveries need a connected client on
this process's hub, so push items normally stay queued here; use
"palletctl cron drain-queue" to drain on the server instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			batch := drainBatch
			if batch <= 0 {
				batch = a.Config.Queue.BatchSize
			}
			rep, err := a.Queue.Drain(ctx, batch)
			if err != nil {
				return fmt.Errorf("drain failed: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), rep)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Claimed %d: %d sent, %d retried, %d failed\n", rep.Claimed, rep.Sent, rep.Retried, rep.Failed)
			return nil
		})
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue item counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			counts, err := a.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), counts)
				return nil
			}
			for _, s := range []domain.QueueStatus{domain.QueuePending, domain.QueueSending, domain.QueueSent, domain.QueueFailed} {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %d\n", s, counts[s])
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(enqueueCmd, drainCmd, queueStatsCmd)

	enqueueCmd.Flags().StringVar(&enqChannel, "channel", "push", "push, sms or email")
	enqueueCmd.Flags().StringVar(&enqRecipient, "recipient", "", "username, phone number or email address")
	enqueueCmd.Flags().StringVar(&enqSubject, "subject", "", "subject line (email)")
	enqueueCmd.Flags().StringVar(&enqBody, "body", "", "message body")
	enqueueCmd.Flags().StringVar(&enqTaskID, "task", "", "related task id")
	enqueueCmd.Flags().IntVar(&enqMaxRetries, "max-retries", 0, "retries before giving up (0 uses the configured default)")
	_ = enqueueCmd.MarkFlagRequired("recipient")
	_ = enqueueCmd.MarkFlagRequired("body")

	drainCmd.Flags().IntVar(&drainBatch, "batch", 0, "items to claim (0 uses QUEUE_BATCH_SIZE)")
}
