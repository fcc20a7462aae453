package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/cli/output"
	"github.com/marmos91/chatvault/internal/cli/timeutil"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/internal/bytesize"
)

var (
	lsRecursive bool
	lsFormat    string
)

var lsCmd = &cobra.Command{
	Use:   "ls [remote-path]",
	Short: "List a vault folder",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		remotePath := "/"
		if len(args) == 1 {
			remotePath = args[0]
		}
		folderID, err := app.Cat.ResolveFolder(ctx, remotePath)
		if err != nil {
			return err
		}

		format, err := output.ParseFormat(lsFormat)
		if err != nil {
			return err
		}

		if lsRecursive {
			entries, err := app.Cat.ListRecursive(ctx, folderID)
			if err != nil {
				return err
			}
			if format != output.FormatTable {
				return output.NewPrinter(os.Stdout, format).Print(entries)
			}
			table := output.NewTableData("PATH", "TYPE", "SIZE", "MODIFIED")
			for _, e := range entries {
				table.AddRow(e.RelPath, string(e.Kind), sizeCell(e.Entry), timeutil.FormatTime(e.UpdatedAt))
			}
			return output.PrintTable(os.Stdout, table)
		}

		entries, err := app.Cat.ListFolder(ctx, folderID)
		if err != nil {
			return err
		}
		if format != output.FormatTable {
			return output.NewPrinter(os.Stdout, format).Print(entries)
		}
		table := output.NewTableData("NAME", "TYPE", "SIZE", "MODIFIED")
		for _, e := range entries {
			table.AddRow(e.Name, string(e.Kind), sizeCell(e), timeutil.FormatTime(e.UpdatedAt))
		}
		return output.PrintTable(os.Stdout, table)
	},
}

func sizeCell(e catalog.Entry) string {
	return bytesize.ByteSize(e.Size).String()
}

func init() {
	lsCmd.Flags().BoolVarP(&lsRecursive, "recursive", "r", false, "list the whole subtree")
	lsCmd.Flags().StringVarP(&lsFormat, "output", "o", "table", "output format (table, json, yaml)")
}
