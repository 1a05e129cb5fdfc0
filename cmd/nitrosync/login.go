package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"nitrosync/internal/config"
	"nitrosync/internal/credentials"
	"nitrosync/internal/utils"
)

// readToken reads a token from in. Terminals get a hidden prompt.
func readToken(in io.Reader, out io.Writer, account string) (string, error) {
	fmt.Fprintf(out, "Enter token for %s: ", account)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newLoginCmd(app *App) *cobra.Command {
	var prompt bool
	var refresh string

	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Store the sync server token in the system keyring",
		Long: `Store the access token for the configured server in the system keyring.

Tokens are looked up in priority order:
  1. System keyring (set by this command)
  2. NITROSYNC_<HOST>_TOKEN, then NITROSYNC_TOKEN (also read from a .env
     file next to the config)

Examples:
  nitrosync login --prompt    # hidden interactive prompt (recommended)
  nitrosync login abc123      # visible in shell history`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Config(); err != nil {
				return err
			}

			var access string
			switch {
			case len(args) == 1:
				access = args[0]
			case prompt:
				var err error
				if access, err = readToken(cmd.InOrStdin(), cmd.OutOrStdout(), app.account); err != nil {
					return err
				}
			default:
				return fmt.Errorf("give a token or use --prompt")
			}
			if access == "" {
				return fmt.Errorf("token cannot be empty")
			}

			if !credentials.IsAvailable() {
				return utils.WrapWithSuggestion(
					fmt.Errorf("system keyring is not available"),
					"Set NITROSYNC_TOKEN in the environment or in a .env file next to the config")
			}
			token := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
			if err := credentials.Set(app.account, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token for %s stored in keyring\n", app.account)

			// Pull the account's data right away when signing in.
			if app.cfg.Sync.AutoSync && app.cfg.Storage.Type != config.StorageMemory {
				engine, err := app.Engine()
				if err != nil {
					return err
				}
				ctx, cancel := app.syncContext(cmd, backgroundTimeout)
				defer cancel()
				if res, err := engine.DownloadData(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Initial download failed: %v\n", app.explain(err))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Downloaded: %s\n", res)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prompt, "prompt", false, "read the token interactively")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token, if the server issued one")
	return cmd
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token",
		Long: `Remove the token for the configured server from the system keyring.
Queued changes are kept and sent after the next login.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.Config(); err != nil {
				return err
			}
			err := credentials.Delete(app.account)
			if errors.Is(err, credentials.ErrNotInKeyring) {
				return utils.ErrCredentialsNotFound(app.account)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed out of %s\n", app.account)
			if credentials.HasToken(app.account) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Note: a token is still set in the environment")
			}
			return nil
		},
	}
}
