// Command nitrosync-devserver serves the sync API from memory for local
// development.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nitrosync/internal/devserver"
)

func newRootCmd() *cobra.Command {
	var addr, token string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "nitrosync-devserver",
		Short: "In-memory nitrosync server for development",
		Long: `Serve the nitrosync REST API from memory. State is lost on exit.

Examples:
  nitrosync-devserver --addr :8080 --token secret
  NITROSYNC_TOKEN=secret nitrosync sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New()
			if verbose {
				logger.SetLevel(log.DebugLevel)
			}
			srv := devserver.New(logger)
			srv.Token = token

			e := srv.Handler()
			e.HideBanner = true
			e.HidePort = true

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() {
				logger.WithField("addr", addr).Info("listening")
				errc <- e.Start(addr)
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("NITROSYNC_TOKEN"), "require this bearer token (empty accepts any request)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every request")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
