package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pallet_sync/internal/config"
	"github.com/austindbirch/pallet_sync/internal/filestore"
	"github.com/austindbirch/pallet_sync/internal/logging"
)

var (
	filePath   string
	fileHash   string
	fileUnset  bool
	fileSettle time.Duration
	newRow     filestore.PalletRow
)

// fileCmd represents the file command
var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Edit the pallet workbook directly",
	Long: `Read and edit the pallet workbook (.xlsx). Every edit names the content
hash it was based on (--hash) and is refused if the file changed since; leave
--hash empty to edit whatever is on disk now.`,
}

func newFileController() (*filestore.Controller, string) {
	fc := config.FromEnv().File
	path := filePath
	if path == "" {
		path = fc.Path
	}
	ctrl := filestore.NewController(filestore.Options{
		LockRetries:   fc.LockRetries,
		LockBaseDelay: fc.LockBaseDelay,
		TempDir:       fc.TempDir,
		Logger:        logging.NewWithWriter("palletctl", os.Stderr, logging.LevelWarn),
	})
	return ctrl, path
}

func newEditor() *filestore.Editor {
	ctrl, path := newFileController()
	return filestore.NewEditor(ctrl, path)
}

// baseHash is the hash an edit is checked against
func baseHash(ctx context.Context, ed *filestore.Editor) (string, error) {
	if fileHash != "" {
		return fileHash, nil
	}
	snap, _, err := ed.List(ctx)
	if err != nil {
		return "", err
	}
	return snap.Hash, nil
}

func printSnapshot(cmd *cobra.Command, action string, snap filestore.Snapshot) {
	if outputJSON {
		printOutput(cmd.OutOrStdout(), map[string]any{"path": snap.Path, "hash": snap.Hash, "size": snap.Size})
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n  New hash: %s\n", action, snap.Path, snap.Hash)
}

var listFileCmd = &cobra.Command{
	Use:   "list",
	Short: "List workbook rows with their indexes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, rows, err := newEditor().List(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{"hash": snap.Hash, "read_only": snap.ReadOnly, "rows": rows})
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s (hash %s)\n", snap.Path, snap.Hash)
		if snap.ReadOnly {
			fmt.Fprintln(w, "  ⚠️  file is locked; showing a read-only copy")
		}
		for i, r := range rows {
			made := " "
			if r.Made {
				made = "X"
			}
			fmt.Fprintf(w, "%4d [%s] job %s rel %s pallet %s %s %s\n", i, made, r.JobNumber, r.ReleaseNumber, r.PalletNumber, r.Size, r.Notes)
		}
		return nil
	},
}

var setMadeCmd = &cobra.Command{
	Use:   "set-made [index]",
	Short: "Flag a pallet as made (or unflag it with --unset)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid row index %q", args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ed := newEditor()
		hash, err := baseHash(ctx, ed)
		if err != nil {
			return err
		}
		snap, err := ed.SetMade(ctx, hash, index, !fileUnset)
		if err != nil {
			return err
		}
		printSnapshot(cmd, "Updated", snap)
		return nil
	},
}

var addRowCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a pallet row",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ed := newEditor()
		hash, err := baseHash(ctx, ed)
		if err != nil {
			return err
		}
		snap, err := ed.Add(ctx, hash, newRow)
		if err != nil {
			return err
		}
		printSnapshot(cmd, "Added a row to", snap)
		return nil
	},
}

var updateRowCmd = &cobra.Command{
	Use:   "update [index]",
	Short: "Replace a pallet row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid row index %q", args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ed := newEditor()
		hash, err := baseHash(ctx, ed)
		if err != nil {
			return err
		}
		snap, err := ed.Update(ctx, hash, index, newRow)
		if err != nil {
			return err
		}
		printSnapshot(cmd, "Replaced a row in", snap)
		return nil
	},
}

var deleteRowCmd = &cobra.Command{
	Use:   "delete [index]",
	Short: "Remove a pallet row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid row index %q", args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ed := newEditor()
		hash, err := baseHash(ctx, ed)
		if err != nil {
			return err
		}
		snap, err := ed.Delete(ctx, hash, index)
		if err != nil {
			return err
		}
		printSnapshot(cmd, "Removed a row from", snap)
		return nil
	},
}

var watchFileCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the content hash whenever the workbook changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctrl, path := newFileController()
		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl-C to stop)\n", path)
		return ctrl.Watch(ctx, path, fileSettle, func(s filestore.Snapshot) {
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"path": s.Path, "hash": s.Hash, "modified": s.ModTime})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s changed: %s\n", formatTime(s.ModTime), s.Hash)
		})
	},
}

func init() {
	rootCmd.AddCommand(fileCmd)
	fileCmd.AddCommand(listFileCmd, setMadeCmd, addRowCmd, updateRowCmd, deleteRowCmd, watchFileCmd)

	fileCmd.PersistentFlags().StringVar(&filePath, "path", "", "workbook path (defaults to PALLET_FILE_PATH)")
	for _, c := range []*cobra.Command{setMadeCmd, addRowCmd, updateRowCmd, deleteRowCmd} {
		c.Flags().StringVar(&fileHash, "hash", "", "content hash the edit is based on")
	}
	setMadeCmd.Flags().BoolVar(&fileUnset, "unset", false, "clear the made flag instead")
	watchFileCmd.Flags().DurationVar(&fileSettle, "settle", 250*time.Millisecond, "quiet period before re-reading")

	for _, c := range []*cobra.Command{addRowCmd, updateRowCmd} {
		f := c.Flags()
		f.StringVar(&newRow.JobNumber, "job", "", "job number")
		f.StringVar(&newRow.ReleaseNumber, "release", "", "release number")
		f.StringVar(&newRow.PalletNumber, "pallet", "", "pallet number")
		f.StringVar(&newRow.Size, "size", "", "size")
		f.StringVar(&newRow.Elevation, "elevation", "", "elevation")
		f.StringVar(&newRow.Accessories, "accessories", "", "accessories")
		f.StringVar(&newRow.ShippedDate, "shipped", "", "shipped date")
		f.StringVar(&newRow.Notes, "notes", "", "notes")
		f.BoolVar(&newRow.Made, "made", false, "already made")
	}
}
