package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the palletsync server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		var st health.Status
		_ = json.NewDecoder(resp.Body).Decode(&st)
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		w := cmd.OutOrStdout()
		if resp.StatusCode == http.StatusOK {
			fmt.Fprintln(w, "✓ Service is healthy")
		} else {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
		}
		for name, result := range st.Checks {
			fmt.Fprintf(w, "  %s: %s\n", name, result)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
