package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/cli/output"
	"github.com/marmos91/chatvault/internal/cli/prompt"
	"github.com/marmos91/chatvault/internal/cli/timeutil"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/remote"
)

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "Manage trashed items",
}

var trashListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trashed items",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		items, err := app.Cat.ListTrash(ctx)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Trash is empty.")
			return nil
		}
		now := time.Now()
		table := output.NewTableData("ID", "TYPE", "NAME", "ORIGINAL NAME", "TRASHED", "AGE")
		for _, it := range items {
			table.AddRow(
				strconv.FormatInt(it.ItemID, 10),
				string(it.ItemType),
				it.Name,
				it.OrigName,
				timeutil.FormatTime(it.TrashedAt),
				timeutil.FormatAge(it.TrashedAt, now),
			)
		}
		return output.PrintTable(os.Stdout, table)
	},
}

var trashRestoreCmd = &cobra.Command{
	Use:   "restore <type> <id>",
	Short: "Restore a trashed item to its original location",
	Long: `Restores a folder or binding back to the folder it was trashed
from, as listed by 'chatvault trash list'. When the original location no
longer exists the item lands in the drive root.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		itemType := catalog.ItemType(args[0])
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item id: %s", args[1])
		}
		if err := app.Cat.Restore(ctx, itemType, id); err != nil {
			return err
		}
		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("Restored %s %d\n", itemType, id)
		return nil
	},
}

var trashEmptyForce bool

var trashEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Permanently delete everything in the trash",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		ok, err := prompt.ConfirmWithForce("Permanently delete all trashed items?", trashEmptyForce)
		if err != nil || !ok {
			return promptErr(err)
		}

		orphans, err := app.Cat.EmptyTrash(ctx)
		if err != nil {
			return err
		}
		if err := remote.DeleteAll(ctx, app.Channel, app.ChannelID, orphans); err != nil {
			return fmt.Errorf("catalogue updated but remote cleanup failed: %w", err)
		}
		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("Trash emptied, %d remote blobs deleted\n", len(orphans))
		return nil
	},
}

func init() {
	trashEmptyCmd.Flags().BoolVarP(&trashEmptyForce, "force", "f", false, "skip confirmation")
	trashCmd.AddCommand(trashListCmd)
	trashCmd.AddCommand(trashRestoreCmd)
	trashCmd.AddCommand(trashEmptyCmd)
}
