package commands

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/pkg/catalog"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <remote-path>",
	Short: "Create a folder in the vault",
	Long: `Creates a folder at the given vault path, creating missing parent
folders along the way. Paths are rooted at the drive root, e.g.
'chatvault mkdir photos/2026'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if _, err := ensureRemotePath(ctx, app.Cat, args[0]); err != nil {
			return err
		}
		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", path.Clean("/"+args[0]))
		return nil
	},
}

// ensureRemotePath walks p from the drive root, creating each missing
// segment, and returns the id of the final folder.
func ensureRemotePath(ctx context.Context, cat *catalog.Store, p string) (int64, error) {
	current := cat.RootID()
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	if cleaned == "" {
		return current, nil
	}
	for _, seg := range strings.Split(cleaned, "/") {
		existing, err := cat.FindFolder(ctx, current, seg)
		if err == nil {
			current = existing.ID
			continue
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return 0, err
		}
		created, err := cat.CreateFolder(ctx, current, seg)
		if err != nil {
			return 0, err
		}
		current = created.ID
	}
	return current, nil
}
