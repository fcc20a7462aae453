package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/cli/prompt"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/remote"
)

var (
	rmPurge bool
	rmForce bool
)

var rmCmd = &cobra.Command{
	Use:   "rm <remote-path>",
	Short: "Move a vault file or folder to the trash",
	Long: `Moves a file or folder into the trash, where it stays restorable
for 30 days. With --purge the item is removed immediately and any
remote blobs no longer referenced by other files are deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		itemType, id, err := resolveItem(ctx, app, args[0])
		if err != nil {
			return err
		}

		if rmPurge {
			ok, err := prompt.ConfirmWithForce(fmt.Sprintf("Permanently delete %s?", args[0]), rmForce)
			if err != nil || !ok {
				return promptErr(err)
			}
			orphans, err := app.Cat.PurgeItem(ctx, itemType, id)
			if err != nil {
				return err
			}
			if err := remote.DeleteAll(ctx, app.Channel, app.ChannelID, orphans); err != nil {
				return fmt.Errorf("catalogue updated but remote cleanup failed: %w", err)
			}
		} else {
			if err := app.Cat.SoftDelete(ctx, itemType, id); err != nil {
				return err
			}
		}

		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		if rmPurge {
			fmt.Printf("Purged %s\n", args[0])
		} else {
			fmt.Printf("Moved %s to trash\n", args[0])
		}
		return nil
	},
}

// resolveItem maps a vault path to the typed id the trash operations
// expect. Bindings win over folders on the rare name tie.
func resolveItem(ctx context.Context, app *App, p string) (catalog.ItemType, int64, error) {
	if b, err := app.Cat.ResolveBinding(ctx, p); err == nil {
		return catalog.ItemBinding, b.ID, nil
	}
	folderID, err := app.Cat.ResolveFolder(ctx, p)
	if err != nil {
		return "", 0, err
	}
	if folderID == app.Cat.RootID() || folderID == app.Cat.TrashID() {
		return "", 0, fmt.Errorf("%w: cannot remove a root folder", catalog.ErrInvalidOperation)
	}
	return catalog.ItemFolder, folderID, nil
}

func init() {
	rmCmd.Flags().BoolVar(&rmPurge, "purge", false, "delete permanently instead of trashing")
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "skip confirmation")
}
