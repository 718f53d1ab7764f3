package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/subscription"
)

var (
	subResource    string
	subChangeType  string
	subURL         string
	subClientState string
	subListAll     bool
	subWindow      time.Duration
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Manage change-notification subscriptions",
	Long:  `Create, renew, validate and remove the provider subscriptions that drive reconciliation.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a subscription",
	Long: `Create a subscription with the provider and record it. Flags left unset
fall back to the SUBSCRIPTION_* environment.

Example:
  palletctl subscription create --url https://sync.example.com/webhooks/graph`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			sub, err := a.Subscriptions.Create(ctx, subscription.Spec{
				Resource:        subResource,
				ChangeType:      subChangeType,
				NotificationURL: subURL,
				ClientState:     subClientState,
			})
			if err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
			printSubscription(cmd, "Created subscription", sub)
			return nil
		})
	},
}

var renewSubscriptionCmd = &cobra.Command{
	Use:   "renew [subscription-id]",
	Short: "Extend a subscription's expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			sub, err := a.Subscriptions.Renew(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to renew subscription: %w", err)
			}
			printSubscription(cmd, "Renewed subscription", sub)
			return nil
		})
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [subscription-id]",
	Short: "Remove a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			if err := a.Subscriptions.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete subscription: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription: %s\n", args[0])
			return nil
		})
	},
}

var validateSubscriptionCmd = &cobra.Command{
	Use:   "validate [subscription-id]",
	Short: "Check a subscription is active and unexpired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			ok, err := a.Subscriptions.Validate(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"id": args[0], "valid": ok})
				return nil
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Subscription %s is valid\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ Subscription %s is inactive or expired\n", args[0])
			}
			return nil
		})
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	Long: `List subscriptions ordered by expiry. With --expiring, only active
subscriptions expiring within the window are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			var subs []domain.Subscription
			var err error
			if subWindow > 0 {
				subs, err = a.Subscriptions.ListExpiringSoon(ctx, subWindow)
			} else {
				subs, err = a.Subscriptions.List(ctx, subListAll)
			}
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), subs)
				return nil
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions")
				return nil
			}
			for _, s := range subs {
				state := "active"
				if !s.Active {
					state = "inactive"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  expires %s  %s\n", s.ID, state, formatTime(s.ExpiresAt), s.Resource)
			}
			return nil
		})
	},
}

func printSubscription(cmd *cobra.Command, title string, s domain.Subscription) {
	if outputJSON {
		printOutput(cmd.OutOrStdout(), s)
		return
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %s\n", title, s.ID)
	fmt.Fprintf(w, "  Resource: %s\n", s.Resource)
	fmt.Fprintf(w, "  Change Type: %s\n", s.ChangeType)
	fmt.Fprintf(w, "  Notification URL: %s\n", s.NotificationURL)
	fmt.Fprintf(w, "  Expires: %s\n", formatTime(s.ExpiresAt))
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd, renewSubscriptionCmd, deleteSubscriptionCmd, validateSubscriptionCmd, listSubscriptionsCmd)

	createSubscriptionCmd.Flags().StringVar(&subResource, "resource", "", "resource to watch")
	createSubscriptionCmd.Flags().StringVar(&subChangeType, "change-type", "", "change type, e.g. updated")
	createSubscriptionCmd.Flags().StringVar(&subURL, "url", "", "public URL of the webhook ingress")
	createSubscriptionCmd.Flags().StringVar(&subClientState, "client-state", "", "shared secret echoed in notifications")

	listSubscriptionsCmd.Flags().BoolVar(&subListAll, "all", false, "include inactive subscriptions")
	listSubscriptionsCmd.Flags().DurationVar(&subWindow, "expiring", 0, "only subscriptions expiring within this window")
}
