package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/cli/prompt"
	"github.com/marmos91/chatvault/pkg/config"
	"github.com/marmos91/chatvault/pkg/credentials"
)

var logoutForce bool

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove cached credentials from this device",
	Long: `Deletes the encrypted credential cache. Remote data and the local
catalogue are untouched; log in again to reconnect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.MustLoad(GetConfigFile())
		if err != nil {
			return err
		}

		ok, err := prompt.ConfirmWithForce("Remove cached credentials?", logoutForce)
		if err != nil || !ok {
			return promptErr(err)
		}

		if err := credentials.Delete(cfg.CredentialsPath()); err != nil {
			return err
		}
		if err := os.Remove(identityPath(cfg)); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	logoutCmd.Flags().BoolVarP(&logoutForce, "force", "f", false, "skip confirmation")
}
