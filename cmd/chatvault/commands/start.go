package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/config"
	"github.com/marmos91/chatvault/pkg/metrics"
	"github.com/marmos91/chatvault/pkg/remote"
)

// trashSweepInterval is how often the daemon purges trash entries past
// their retention window.
const trashSweepInterval = time.Hour

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the chatvault daemon",
	Long: `Runs the background daemon: resumes interrupted transfers, keeps
the catalogue snapshot in sync with the storage channel, purges expired
trash, and serves Prometheus metrics when enabled.

By default the daemon detaches into the background. Use --foreground
for debugging or when managed by a process supervisor.

Examples:
  # Start in background (default)
  chatvault start

  # Start in foreground
  chatvault start --foreground

  # Start with environment variable overrides
  CHATVAULT_LOGGING_LEVEL=DEBUG chatvault start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "F", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/chatvault/chatvault.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/chatvault/chatvault.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	var metricsServer *http.Server
	if app.Cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", app.Cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics server listening", "port", app.Cfg.Metrics.Port)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", logger.KeyError, err.Error())
			}
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	app.Presence.Start()

	// Reconcile the remote snapshot with the local catalogue, then pick
	// up every transfer that was interrupted by the previous shutdown.
	if err := app.Syncer.Reconcile(ctx); err != nil {
		logger.Warn("Snapshot reconciliation failed", logger.KeyError, err.Error())
	}
	if err := app.Engine.ResumeAll(ctx); err != nil {
		logger.Warn("Failed to resume stored tasks", logger.KeyError, err.Error())
	}

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		runTrashSweeper(ctx, app)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Daemon is running. Press Ctrl+C to stop.")

	<-sigChan
	signal.Stop(sigChan)
	logger.Info("Shutdown signal received, initiating graceful shutdown")
	cancel()
	<-sweeperDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Cfg.ShutdownTimeout)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", logger.KeyError, err.Error())
		}
	}

	// app.Close pauses running transfers and flushes the pending
	// snapshot before the stores close.
	logger.Info("Daemon stopped")
	return nil
}

// runTrashSweeper purges trash entries older than the retention window
// and deletes the remote blobs they orphaned. One sweep runs at startup,
// then hourly.
func runTrashSweeper(ctx context.Context, app *App) {
	ticker := time.NewTicker(trashSweepInterval)
	defer ticker.Stop()

	for {
		sweepTrash(ctx, app)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweepTrash(ctx context.Context, app *App) {
	expired, err := app.Cat.ExpiredTrash(ctx, time.Now())
	if err != nil {
		logger.Warn("Trash sweep failed", logger.KeyError, err.Error())
		return
	}
	if len(expired) == 0 {
		return
	}

	var orphans []int64
	for _, item := range expired {
		ids, err := app.Cat.PurgeItem(ctx, item.ItemType, item.ItemID)
		if err != nil {
			// Folder purges also remove their children; a child that
			// was trashed separately may already be gone.
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			logger.Warn("Failed to purge trashed item",
				"item_type", string(item.ItemType),
				"item_id", item.ItemID,
				logger.KeyError, err.Error())
			continue
		}
		orphans = append(orphans, ids...)
	}

	if err := remote.DeleteAll(ctx, app.Channel, app.ChannelID, orphans); err != nil {
		logger.Warn("Failed to delete orphaned remote blobs", logger.KeyError, err.Error())
	}
	app.Syncer.NotifyChange()
	logger.Info("Trash sweep completed", "purged", len(expired), "orphaned_blobs", len(orphans))
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon re-executes the binary detached from the terminal, logging
// to a file in the state directory.
func startDaemon() error {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	vaultStateDir := filepath.Join(stateDir, "chatvault")

	if err := os.MkdirAll(vaultStateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(vaultStateDir, "chatvault.pid")
	}

	// Refuse to double-start; a PID file whose process is gone is stale.
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("chatvault is already running (PID %d)", pid)
					}
				}
			}
		}
		_ = os.Remove(pidPath)
	}

	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(vaultStateDir, "chatvault.log")
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	daemon := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	daemon.Stdout = logFileHandle
	daemon.Stderr = logFileHandle
	daemon.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := daemon.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("chatvault started in background (PID %d)\n", daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)

	return nil
}
