package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/transfer"
)

var putCmd = &cobra.Command{
	Use:   "put <local-path> [remote-dir]",
	Short: "Upload a file or folder to the vault",
	Long: `Uploads a local file or directory into a vault folder (the drive
root when omitted). Identical content already stored remotely is
deduplicated without re-uploading. Interrupt with Ctrl-C and the
transfer resumes on the next 'chatvault tasks resume'.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx, transfer.WithProgress(printProgress))
		if err != nil {
			return err
		}
		defer app.Close()

		localPath := args[0]
		remoteDir := "/"
		if len(args) == 2 {
			remoteDir = args[1]
		}

		info, err := os.Stat(localPath)
		if err != nil {
			return err
		}

		var taskID string
		if info.IsDir() {
			taskID, err = app.Engine.UploadFolder(ctx, localPath, remoteDir)
		} else {
			taskID, err = app.Engine.UploadFile(ctx, localPath, remoteDir)
		}
		if err != nil {
			return err
		}

		app.Engine.Wait()
		fmt.Println()
		if err := taskOutcome(ctx, app, taskID); err != nil {
			return err
		}
		if err := app.notifyAndFlush(ctx); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s\n", localPath)
		return nil
	},
}

// taskOutcome inspects the checkpoint row after the engine drained. A
// deleted row means the task completed; a surviving row carries its
// terminal status.
func taskOutcome(ctx context.Context, app *App, taskID string) error {
	view, err := app.Ckpt.LoadTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}
	switch view.Task.Status {
	case checkpoint.StatusFailed:
		return fmt.Errorf("transfer failed: %s", view.Task.Error)
	case checkpoint.StatusPaused:
		return fmt.Errorf("transfer paused, resume with 'chatvault tasks resume %s'", taskID)
	default:
		return fmt.Errorf("transfer did not complete (status %s)", view.Task.Status)
	}
}

// printProgress renders an in-place progress line. Runs on engine
// goroutines so it stays allocation-light.
func printProgress(p transfer.Progress) {
	if p.TotalBytes <= 0 {
		return
	}
	pct := float64(p.DoneBytes) / float64(p.TotalBytes) * 100
	fmt.Printf("\r%-8s %s  %6.2f%% (%d/%d bytes)", p.Status, p.RemotePath, pct, p.DoneBytes, p.TotalBytes)
}
