package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/domain"
)

var (
	contactPhone string
	contactEmail string
)

// contactCmd represents the contact command
var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "Manage how assignees are reached on sms and email",
}

var setContactCmd = &cobra.Command{
	Use:   "set [username]",
	Short: "Set an assignee's phone number and email address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			c := domain.Contact{Username: args[0], Phone: contactPhone, Email: contactEmail}
			if err := a.Store.Contacts.Save(ctx, c); err != nil {
				return fmt.Errorf("failed to save contact: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved contact for %s\n", c.Username)
			return nil
		})
	},
}

var getContactCmd = &cobra.Command{
	Use:   "get [username]",
	Short: "Show an assignee's contact details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			c, err := a.Store.Contacts.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]string{"username": c.Username, "phone": c.Phone, "email": c.Email})
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n  Phone: %s\n  Email: %s\n", c.Username, orNone(c.Phone), orNone(c.Email))
			return nil
		})
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func init() {
	rootCmd.AddCommand(contactCmd)
	contactCmd.AddCommand(setContactCmd, getContactCmd)

	setContactCmd.Flags().StringVar(&contactPhone, "phone", "", "phone number for sms")
	setContactCmd.Flags().StringVar(&contactEmail, "email", "", "email address")
}
