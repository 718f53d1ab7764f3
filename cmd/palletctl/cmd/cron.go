package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/maintenance"
)

// cronCmd represents the cron command
var cronCmd = &cobra.Command{
	Use:       "cron [job]",
	Short:     "Trigger a maintenance job on the server",
	ValidArgs: maintenance.Jobs,
	Long: `Trigger one of the scheduled maintenance jobs on a running server, the
same way an external scheduler does. The --token must carry the job's scope
(mint one with "palletctl token mint --scope cron:<job>").

Jobs:
  renew-subscriptions       renew subscriptions nearing expiry
  drain-queue               deliver due outbound notifications
  reprocess-notifications   reconcile on behalf of failed or stuck notifications`,
	Args: cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeHTTPRequest(http.MethodPost, "/cron/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("cron trigger failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("cron %s: server returned %d: %s", args[0], resp.StatusCode, string(body))
		}
		if outputJSON {
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			printOutput(cmd.OutOrStdout(), v)
			return nil
		}
		var rep struct {
			Job    string          `json:"job"`
			Result json.RawMessage `json:"result"`
			Shared bool            `json:"shared"`
		}
		if err := json.Unmarshal(body, &rep); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		suffix := ""
		if rep.Shared {
			suffix = " (joined a run in progress)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s finished%s: %s\n", rep.Job, suffix, string(rep.Result))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cronCmd)
}
