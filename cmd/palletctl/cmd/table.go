package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/app"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/graph"
)

// tableCmd represents the table command
var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Read the external workbook table",
	Long: `Read rows of the Graph workbook table the reconciler syncs from. Needs
GRAPH_TOKEN and the GRAPH_DRIVE_ID/GRAPH_ITEM_ID/GRAPH_TABLE settings.`,
}

var tableRowsCmd = &cobra.Command{
	Use:   "rows",
	Short: "List every row with its parsed task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			rows, err := a.Table.ListRows(ctx)
			if err != nil {
				return fmt.Errorf("failed to list rows: %w", err)
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), rows)
				return nil
			}
			for _, r := range rows {
				printRow(cmd, r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rows\n", len(rows))
			return nil
		})
	},
}

var tableGetCmd = &cobra.Command{
	Use:   "get [index|taskId]",
	Short: "Show one row by index, or by task id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			var row domain.ExternalRow
			var err error
			if index, convErr := strconv.Atoi(args[0]); convErr == nil {
				row, err = a.Table.GetRow(ctx, index)
			} else {
				row, err = a.Table.FindRow(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), row)
				return nil
			}
			printRow(cmd, row)
			return nil
		})
	},
}

var tableInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show table name, columns and row count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			meta, err := a.Table.Metadata(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), meta)
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Table: %s (%s)\n", meta.Name, meta.ID)
			fmt.Fprintf(w, "  Rows:    %d\n", meta.RowCount)
			fmt.Fprintf(w, "  Columns: %s\n", strings.Join(meta.Columns, ", "))
			if len(meta.Columns) != graph.ColumnCount {
				fmt.Fprintf(w, "  ⚠️  expected %d columns\n", graph.ColumnCount)
			}
			return nil
		})
	},
}

func printRow(cmd *cobra.Command, r domain.ExternalRow) {
	w := cmd.OutOrStdout()
	t, err := graph.RowToTask(r)
	if err != nil {
		fmt.Fprintf(w, "%4d  (unreadable: %v)\n", r.Index, err)
		return
	}
	fmt.Fprintf(w, "%4d  %-12s job %s pallet %s  %s  %s\n", r.Index, t.TaskID, t.JobNumber, t.PalletNumber, graph.StatusLabel(t.Status), orNone(t.AssignedTo))
}

func init() {
	rootCmd.AddCommand(tableCmd)
	tableCmd.AddCommand(tableRowsCmd, tableGetCmd, tableInfoCmd)
}
