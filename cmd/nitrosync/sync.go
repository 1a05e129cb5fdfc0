package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nitrosync/internal/auth"
	"nitrosync/internal/cli"
	nsync "nitrosync/internal/sync"
	"nitrosync/internal/syncget"
	"nitrosync/internal/syncqueue"
	"nitrosync/internal/utils"
)

// backgroundTimeout bounds a detached sync; unsent work stays queued.
const backgroundTimeout = 10 * time.Second

func newSyncCmd(app *App) *cobra.Command {
	var pushOnly, pullOnly bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the server",
		Long: `Synchronize local lists and tasks with the server.

By default the server state is downloaded and merged first (server wins on
fields it knows), then queued local changes are sent. Changes that fail
stay queued and are retried on the next sync.

Examples:
  nitrosync sync               # pull, then push
  nitrosync sync --push-only   # only send queued changes
  nitrosync sync --pull-only   # only download`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pushOnly && pullOnly {
				return fmt.Errorf("--push-only and --pull-only are mutually exclusive")
			}
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			if !app.auth.IsSignedIn() {
				return utils.ErrNotSignedIn(app.server())
			}
			ctx, cancel := app.syncContext(cmd, timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			if !pushOnly {
				var merged syncget.MergeResult
				err := utils.LogOperation("download", func() (err error) {
					merged, err = engine.DownloadData(ctx)
					return err
				})
				if err != nil {
					return fmt.Errorf("download failed: %w", err)
				}
				fmt.Fprintf(out, "Downloaded: %s\n", merged)
			}
			if pullOnly {
				return nil
			}

			var res syncqueue.Result
			err = utils.LogOperation("push", func() (err error) {
				res, err = engine.ProcessQueue(ctx)
				return err
			})
			if err != nil {
				return err
			}
			app.printer(cmd).ShowSyncResult(res, engine.Pending())
			return nil
		},
	}

	cmd.Flags().BoolVar(&pushOnly, "push-only", false, "only send queued changes")
	cmd.Flags().BoolVar(&pullOnly, "pull-only", false, "only download server changes")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sign-in state and queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			status := cli.Status{
				Server:   app.server(),
				SignedIn: app.auth.IsSignedIn(),
				Pending:  engine.Pending(),
				Entries:  engine.PendingEntries(),
			}
			if status.SignedIn {
				status.Source = string(app.source)
			}
			if ok, err := app.structured(cmd.OutOrStdout(), status); ok {
				return err
			}
			app.printer(cmd).ShowStatus(status)
			return nil
		},
	}
}

// newBackgroundSyncCmd creates a hidden command that runs sync in background.
// It is spawned as a separate process so the main CLI can exit immediately.
func newBackgroundSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:    nsync.BackgroundCommand,
		Hidden: true,
		Short:  "Internal command for background sync (do not call directly)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Engine waits on the store lock until the parent has exited.
			engine, err := app.Engine()
			if err != nil {
				utils.Debugf("background sync: %v", err)
				return nil
			}
			ctx, cancel := app.syncContext(cmd, backgroundTimeout)
			defer cancel()

			var res syncqueue.Result
			err = utils.LogOperation("background push", func() (err error) {
				res, err = engine.ProcessQueue(ctx)
				return err
			})
			switch {
			case errors.Is(err, auth.ErrSignedOut):
			case err != nil:
				utils.Warnf("background sync: %v", err)
			default:
				utils.Debugf("background sync: %s", res)
			}
			return nil
		},
	}
}
