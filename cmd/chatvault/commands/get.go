package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/transfer"
)

var getCmd = &cobra.Command{
	Use:   "get <remote-path> [local-dir]",
	Short: "Download a file or folder from the vault",
	Long: `Downloads a vault file or folder into a local directory (the
current directory when omitted). Chunks are fetched in parallel and
verified against the stored content hash before the file is finalized.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx, transfer.WithProgress(printProgress))
		if err != nil {
			return err
		}
		defer app.Close()

		remotePath := args[0]
		destDir := "."
		if len(args) == 2 {
			destDir = args[1]
		}

		var taskID string
		if _, err := app.Cat.ResolveBinding(ctx, remotePath); err == nil {
			taskID, err = app.Engine.DownloadFile(ctx, remotePath, destDir)
			if err != nil {
				return err
			}
		} else if _, folderErr := app.Cat.ResolveFolder(ctx, remotePath); folderErr == nil {
			taskID, err = app.Engine.DownloadFolder(ctx, remotePath, destDir)
			if err != nil {
				return err
			}
		} else {
			return fmt.Errorf("%w: %s", catalog.ErrNotFound, remotePath)
		}

		app.Engine.Wait()
		fmt.Println()
		if err := taskOutcome(ctx, app, taskID); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s\n", remotePath)
		return nil
	},
}
