package commands

import (
	"context"
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/pkg/catalog"
)

var mvCmd = &cobra.Command{
	Use:   "mv <remote-src> <remote-dst>",
	Short: "Move or rename a vault file or folder",
	Long: `Moves a file or folder to a new parent, renames it in place, or
both. When the destination is an existing folder the source moves into
it keeping its name; otherwise the destination's parent must exist and
the final segment becomes the new name.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		src, dst := args[0], args[1]
		itemType, id, err := resolveItem(ctx, app, src)
		if err != nil {
			return err
		}

		if destID, err := app.Cat.ResolveFolder(ctx, dst); err == nil && destID != id {
			if err := moveItem(ctx, app, itemType, id, destID); err != nil {
				return err
			}
			return finishMove(ctx, app, src, dst)
		}

		dstName := path.Base("/" + dst)
		if dstName == "/" || dstName == "." {
			return fmt.Errorf("%w: %s", catalog.ErrInvalidName, dst)
		}
		parentID, err := app.Cat.ResolveFolder(ctx, path.Dir("/"+dst))
		if err != nil {
			return err
		}

		if path.Base("/"+src) != dstName {
			if err := renameItem(ctx, app, itemType, id, dstName); err != nil {
				return err
			}
		}
		if err := moveItem(ctx, app, itemType, id, parentID); err != nil {
			return err
		}
		return finishMove(ctx, app, src, dst)
	},
}

func moveItem(ctx context.Context, app *App, itemType catalog.ItemType, id, newParentID int64) error {
	if itemType == catalog.ItemFolder {
		return app.Cat.MoveFolder(ctx, id, newParentID)
	}
	return app.Cat.MoveBinding(ctx, id, newParentID)
}

func renameItem(ctx context.Context, app *App, itemType catalog.ItemType, id int64, name string) error {
	if itemType == catalog.ItemFolder {
		return app.Cat.RenameFolder(ctx, id, name)
	}
	return app.Cat.RenameBinding(ctx, id, name)
}

func finishMove(ctx context.Context, app *App, src, dst string) error {
	if err := app.notifyAndFlush(ctx); err != nil {
		return err
	}
	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}
