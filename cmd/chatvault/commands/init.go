package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Creates a configuration file with default values at the standard
location ($XDG_CONFIG_HOME/chatvault/config.yaml), or at the path given
with --config. Edit it to point at your storage backend before running
'chatvault login'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := GetConfigFile()
		if path == "" {
			written, err := config.InitConfig(initForce)
			if err != nil {
				return err
			}
			path = written
		} else if err := config.InitConfigToPath(path, initForce); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing configuration file")
}
