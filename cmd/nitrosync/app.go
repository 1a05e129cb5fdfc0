package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"nitrosync/backend"
	"nitrosync/backend/filestore"
	"nitrosync/backend/redisstore"
	"nitrosync/backend/sqlite"
	"nitrosync/internal/auth"
	"nitrosync/internal/cli"
	"nitrosync/internal/combined"
	"nitrosync/internal/config"
	"nitrosync/internal/credentials"
	"nitrosync/internal/remote"
	nsync "nitrosync/internal/sync"
	"nitrosync/internal/utils"
)

// lockTimeout is how long a command waits for another nitrosync process to
// release the store.
const lockTimeout = 30 * time.Second

// App opens the engine on first use and closes it when the command ends.
type App struct {
	opts rootOptions

	cfg     *config.Config
	store   backend.Store
	unlock  func() error
	auth    *auth.TokenAuth
	engine  *combined.Combined
	account string
	source  credentials.Source

	// spawn starts the detached background sync; replaced in tests.
	spawn func(args ...string) error
	// lockWait overrides lockTimeout in tests.
	lockWait time.Duration
}

// Config loads the configuration without opening the store.
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Verbose {
		utils.SetVerboseMode(true)
	}
	account, err := credentials.AccountFor(cfg.ServerURL)
	if err != nil {
		return nil, utils.ErrInvalidConfig("server_url", err.Error())
	}
	a.cfg, a.account = cfg, account
	return cfg, nil
}

// Engine opens the local store, resolves credentials and builds the
// orchestrator. Background syncing is left to the detached process started
// by maybeSync.
func (a *App) Engine() (*combined.Combined, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	unlock, err := a.lockStore(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	release := func() {
		store.Close()
		if err := unlock(); err != nil {
			utils.Warnf("release store lock: %v", err)
		}
	}

	a.auth = auth.NewTokenAuth(nil)
	a.source = credentials.SourceNone
	creds, err := credentials.NewResolver().Resolve(a.account)
	switch {
	case err == nil:
		// Signing in before New keeps the token event from starting a
		// download on every command.
		a.auth.SignIn(context.Background(), creds.Token)
		a.source = creds.Source
	case errors.Is(err, credentials.ErrNoCredentials):
		utils.Debugf("no credentials for %s", a.account)
	default:
		release()
		return nil, err
	}

	client := remote.NewHTTPClient(cfg.ServerURL, a.auth.HTTPClient)
	if d := cfg.RequestTimeout(); d > 0 {
		client.SetTimeout(d)
	}

	engine, err := combined.New(combined.Options{
		Store:            store,
		Client:           client,
		Auth:             a.auth,
		TaskServerParams: cfg.Sync.TaskServerParams,
		MaxAttempts:      cfg.Sync.MaxAttempts,
	})
	if err != nil {
		release()
		return nil, err
	}
	a.store, a.unlock, a.engine = store, unlock, engine
	return engine, nil
}

// Close shuts the engine down and releases the store.
func (a *App) Close() error {
	if a.engine == nil {
		return nil
	}
	err := a.engine.Close()
	if serr := a.store.Close(); err == nil {
		err = serr
	}
	if uerr := a.unlock(); err == nil {
		err = uerr
	}
	a.engine, a.store, a.unlock = nil, nil, nil
	return err
}

// lockStore holds the store for this process until Close. Stores shared
// between processes implement backend.Locker.
func (a *App) lockStore(store backend.Store) (func() error, error) {
	locker, ok := store.(backend.Locker)
	if !ok {
		return func() error { return nil }, nil
	}
	wait := a.lockWait
	if wait <= 0 {
		wait = lockTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	unlock, err := locker.Lock(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrStoreLocked) {
			return nil, utils.WrapWithSuggestion(err, "Another nitrosync command is still running; try again when it finishes")
		}
		return nil, err
	}
	return unlock, nil
}

func (a *App) server() string {
	if a.cfg == nil {
		return "the sync server"
	}
	return a.cfg.ServerURL
}

func (a *App) explain(err error) error {
	return utils.Explain(err, a.server())
}

// maybeSync starts a detached background sync after a mutation when
// auto_sync is on and the user is signed in.
func (a *App) maybeSync(cmd *cobra.Command) {
	if a.engine == nil || !a.cfg.Sync.AutoSync || !a.auth.IsSignedIn() {
		return
	}
	// A memory store dies with this process.
	if a.cfg.Storage.Type == config.StorageMemory {
		return
	}
	if a.engine.Pending().Total() == 0 {
		return
	}
	spawn := a.spawn
	if spawn == nil {
		spawn = nsync.SpawnBackgroundSync
	}
	var extra []string
	if a.opts.configPath != "" {
		extra = append(extra, "--config", a.opts.configPath)
	}
	if err := spawn(extra...); err != nil {
		utils.Warnf("could not start background sync: %v", err)
		fmt.Fprintln(cmd.ErrOrStderr(), "Changes saved locally. Run 'nitrosync sync' to send them.")
	}
}

// printer returns a Printer for the command's output.
func (a *App) printer(cmd *cobra.Command) *cli.Printer {
	return cli.NewPrinter(cmd.OutOrStdout(), cli.GetTerminalWidth())
}

// structured writes data as JSON or YAML when --format asks for it and
// reports whether it did.
func (a *App) structured(w io.Writer, data any) (bool, error) {
	switch a.opts.format {
	case utils.FormatJSON:
		return true, utils.OutputJSON(w, data)
	case utils.FormatYAML:
		return true, utils.OutputYAML(w, data)
	}
	return false, nil
}

// syncContext bounds a foreground sync.
func (a *App) syncContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func openStore(cfg *config.Config) (backend.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		return backend.NewMemoryStore(), nil
	case config.StorageRedis:
		return redisstore.Open(cfg.Storage.RedisAddr, cfg.Storage.RedisPrefix)
	}

	path, err := cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Type == config.StorageFile {
		return filestore.Open(path)
	}
	utils.Debugf("opening sqlite store at %s", path)
	return sqlite.Open(path)
}
