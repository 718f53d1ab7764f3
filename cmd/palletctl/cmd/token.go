package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/auth"
	"github.com/austindbirch/pallet_sync/internal/config"
)

var (
	tokenScopes  []string
	tokenSubject string
	tokenTTL     time.Duration
	tokenSecret  string
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Work with server bearer tokens",
}

var mintTokenCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a scoped bearer token",
	Long: `Mint an HS256 token signed with CRON_TOKEN_SECRET (or --secret) using the
server's issuer and audience.

Examples:
  palletctl token mint --scope cron:drain-queue --subject scheduler
  palletctl token mint --scope push:subscribe --subject alice --ttl 24h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := config.FromEnv().Maintenance
		secret := tokenSecret
		if secret == "" {
			secret = m.TokenSecret
		}
		if secret == "" {
			return fmt.Errorf("no signing secret: set CRON_TOKEN_SECRET or pass --secret")
		}
		if len(tokenScopes) == 0 {
			return fmt.Errorf("at least one --scope is required")
		}
		tok, err := auth.IssueToken(secret, m.TokenIssuer, m.TokenAudience, tokenSubject, tokenScopes, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{
				"token":      tok,
				"subject":    tokenSubject,
				"scopes":     tokenScopes,
				"expires_at": time.Now().Add(tokenTTL).UTC(),
			})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(mintTokenCmd)

	mintTokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "scope to grant (repeatable)")
	mintTokenCmd.Flags().StringVar(&tokenSubject, "subject", "palletctl", "token subject; the username for push tokens")
	mintTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	mintTokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (defaults to CRON_TOKEN_SECRET)")
}
