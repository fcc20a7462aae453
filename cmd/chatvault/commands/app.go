package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/backup"
	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
	"github.com/marmos91/chatvault/pkg/config"
	"github.com/marmos91/chatvault/pkg/credentials"
	"github.com/marmos91/chatvault/pkg/crypto"
	"github.com/marmos91/chatvault/pkg/metrics"
	"github.com/marmos91/chatvault/pkg/remote"
	"github.com/marmos91/chatvault/pkg/transfer"
)

// App holds the assembled runtime shared by all vault commands: config,
// stores, the remote channel, the snapshot syncer, and the transfer
// engine.
type App struct {
	Cfg       *config.Config
	Creds     *credentials.Credentials
	Key       []byte
	Channel   remote.Channel
	ChannelID int64
	Cat       *catalog.Store
	Ckpt      *checkpoint.Store
	Syncer    *backup.Syncer
	Engine    *transfer.Engine
	Presence  *transfer.PresenceWatcher

	closers []func() error
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// openApp assembles the full runtime. Requires a prior login: credentials
// must exist in the data directory. Missing catalogue databases are
// restored from the newest remote snapshot before opening.
func openApp(ctx context.Context, engineOpts ...transfer.Option) (*App, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	app := &App{Cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	identity, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.Load(cfg.CredentialsPath(), identity)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, errors.New("not logged in - run 'chatvault login' first")
		}
		return nil, err
	}
	app.Creds = creds
	app.Key = crypto.DeriveUserKey(creds.Identity)

	channel, channelCloser, err := config.CreateChannel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Channel = channel
	app.closers = append(app.closers, channelCloser)

	app.ChannelID = creds.ChannelID
	if app.ChannelID == 0 {
		id, err := channel.EnsureChannel(ctx, creds.Identity)
		if err != nil {
			return nil, fmt.Errorf("failed to locate storage channel: %w", err)
		}
		app.ChannelID = id
		creds.ChannelID = id
		if err := credentials.Save(cfg.CredentialsPath(), *creds); err != nil {
			logger.Warn("failed to update credential cache", logger.KeyError, err.Error())
		}
	}

	// A fresh device recovers its catalogue from the remote snapshot.
	restored, err := backup.RestoreIfMissing(ctx, channel, app.ChannelID, app.Key, cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("failed to restore catalogue: %w", err)
	}
	if restored {
		fmt.Println("Catalogue restored from remote snapshot.")
	}

	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}
	app.Cat = cat
	app.closers = append(app.closers, cat.Close)

	ckpt, err := checkpoint.Open(cfg.CheckpointPath())
	if err != nil {
		return nil, err
	}
	app.Ckpt = ckpt
	app.closers = append(app.closers, ckpt.Close)

	app.Syncer = backup.NewSyncer(cat, channel, app.ChannelID, app.Key)
	app.closers = append(app.closers, app.Syncer.Close)

	// Created for every command but only the daemon starts its sweep
	// loop; one-shot commands leave it idle.
	app.Presence = transfer.NewPresenceWatcher(cat, logPresenceChange)
	app.closers = append(app.closers, func() error {
		app.Presence.Close()
		return nil
	})

	opts := append([]transfer.Option{
		transfer.WithChangeNotifier(app.Syncer.NotifyChange),
		transfer.WithMetrics(metrics.NewTransferMetrics()),
		transfer.WithPresenceWatcher(app.Presence),
	}, engineOpts...)
	app.Engine = transfer.New(cat, ckpt, channel, app.ChannelID, transfer.Config{
		MaxConcurrentTasks: cfg.Transfer.MaxConcurrentTasks,
		ParallelFiles:      cfg.Transfer.ParallelFiles,
		Retry: transfer.RetryPolicy{
			BaseDelay:   cfg.Transfer.RetryBaseDelay,
			MaxDelay:    cfg.Transfer.RetryMaxDelay,
			MaxAttempts: cfg.Transfer.MaxRetries,
		},
	}, opts...)
	app.closers = append(app.closers, app.Engine.Close)

	if err := app.Engine.Recover(ctx); err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

// Close tears the runtime down in reverse construction order.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// loadIdentity finds the identity the credential cache was written for.
// The envelope keeps it out of the clear, so it lives in a sidecar file
// written at login.
func loadIdentity(cfg *config.Config) (string, error) {
	data, err := os.ReadFile(identityPath(cfg))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.New("not logged in - run 'chatvault login' first")
		}
		return "", err
	}
	return string(data), nil
}

func identityPath(cfg *config.Config) string {
	return cfg.CredentialsPath() + ".identity"
}

// notifyAndFlush schedules a snapshot upload and forces it out before a
// one-shot command exits.
func (a *App) notifyAndFlush(ctx context.Context) error {
	return a.Syncer.SyncNow(ctx)
}

// logPresenceChange reports watched transfer endpoints that appear or
// vanish after completion.
func logPresenceChange(ev transfer.PresenceEvent) {
	state := "present"
	if !ev.Present {
		state = "missing"
	}
	if ev.Target.Kind == checkpoint.KindDownload {
		logger.Info("downloaded file changed state",
			logger.KeyPath, ev.Target.LocalPath, "state", state)
		return
	}
	logger.Info("upload destination folder changed state",
		"folder_id", ev.Target.FolderID, "state", state)
}
