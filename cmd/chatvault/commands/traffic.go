package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/bytesize"
	"github.com/marmos91/chatvault/internal/cli/output"
)

var trafficDays int

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Show per-day transfer volume",
	Long: `Prints the bytes uploaded and downloaded per day, as accumulated
by the transfer engine. Counters include retried chunks, so the numbers
reflect wire traffic rather than file sizes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		since := ""
		if trafficDays > 0 {
			since = time.Now().AddDate(0, 0, -trafficDays).Format("2006-01-02")
		}
		stats, err := app.Ckpt.TrafficSince(ctx, since)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No traffic recorded.")
			return nil
		}
		table := output.NewTableData("DAY", "DIRECTION", "BYTES")
		for _, s := range stats {
			table.AddRow(s.Day, s.Kind, bytesize.ByteSize(s.Bytes).String())
		}
		return output.PrintTable(os.Stdout, table)
	},
}

func init() {
	trafficCmd.Flags().IntVar(&trafficDays, "days", 30, "limit to the last N days (0 for all)")
}
