package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/bytesize"
	"github.com/marmos91/chatvault/internal/cli/output"
	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/transfer"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and control checkpointed transfers",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored transfer tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		tasks, err := app.Engine.Tasks(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No pending tasks.")
			return nil
		}
		table := output.NewTableData("ID", "KIND", "STATUS", "LOCAL", "REMOTE", "PROGRESS")
		for _, t := range tasks {
			table.AddRow(t.ID, t.Kind, t.Status, t.LocalPath, t.RemotePath, progressCell(t))
		}
		return output.PrintTable(os.Stdout, table)
	},
}

func progressCell(t checkpoint.MainTask) string {
	if t.TotalBytes <= 0 {
		return "-"
	}
	pct := float64(t.DoneBytes) / float64(t.TotalBytes) * 100
	return fmt.Sprintf("%.1f%% of %s", pct, bytesize.ByteSize(t.TotalBytes).String())
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume paused or interrupted transfers",
	Long: `Resumes the given task, or every resumable task when no id is
given, and waits for completion. Completed chunks are never
re-transferred.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx, transfer.WithProgress(printProgress))
		if err != nil {
			return err
		}
		defer app.Close()

		if len(args) == 1 {
			if err := app.Engine.Resume(ctx, args[0]); err != nil {
				return err
			}
		} else if err := app.Engine.ResumeAll(ctx); err != nil {
			return err
		}

		app.Engine.Wait()
		fmt.Println()
		remaining, err := app.Engine.Tasks(ctx)
		if err != nil {
			return err
		}
		for _, t := range remaining {
			if t.Status == checkpoint.StatusFailed {
				PrintErr("task %s failed: %s", t.ID, t.Error)
			}
		}
		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		fmt.Println("Done.")
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a stored transfer and roll back its partial work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Engine.CancelStored(ctx, args[0]); err != nil {
			return err
		}
		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksResumeCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
}
