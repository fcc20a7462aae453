package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/cli/output"
	"github.com/marmos91/chatvault/pkg/backup"
	"github.com/marmos91/chatvault/pkg/remote"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a catalogue snapshot now",
	Long: `Forces an immediate encrypted snapshot of the local catalogue to
the storage channel, outside the debounced schedule the daemon and the
file commands already follow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Syncer.SyncNow(ctx); err != nil {
			return err
		}
		version, err := app.Cat.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot uploaded (catalogue version %d)\n", version)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Show or recover the remote catalogue snapshot",
	Long: `Reports the newest snapshot stored remotely and reconciles the two
sides: a missing local catalogue is downloaded and installed, a newer
remote snapshot replaces the local database, and a newer local catalogue
is uploaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// openApp already restores a missing catalogue before opening
		// it, so by the time we get here both sides exist.
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		remoteVersion, msgID, err := backup.LatestSnapshot(ctx, app.Channel, app.ChannelID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		localVersion, verErr := app.Cat.Version(ctx)
		if verErr != nil {
			return verErr
		}

		pairs := [][2]string{
			{"Local catalogue version", strconv.FormatInt(localVersion, 10)},
		}
		if errors.Is(err, remote.ErrNotFound) {
			pairs = append(pairs, [2]string{"Remote snapshot", "none"})
			return output.SimpleTable(os.Stdout, pairs)
		}
		pairs = append(pairs,
			[2]string{"Remote snapshot version", strconv.FormatInt(remoteVersion, 10)},
			[2]string{"Remote snapshot message", strconv.FormatInt(msgID, 10)},
		)
		if err := output.SimpleTable(os.Stdout, pairs); err != nil {
			return err
		}
		if remoteVersion != localVersion {
			if err := app.Syncer.Reconcile(ctx); err != nil {
				return err
			}
			reconciled, err := app.Cat.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Reconciled; catalogue version is now %d\n", reconciled)
		}
		return nil
	},
}
