package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"nitrosync/internal/config"
	"nitrosync/internal/utils"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	verbose    bool
	format     string
}

func newRootCmd(app *App) *cobra.Command {
	opts := &app.opts

	rootCmd := &cobra.Command{
		Use:           "nitrosync",
		Short:         "Local-first lists and tasks that sync when you are online",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `nitrosync keeps your lists and tasks on this machine and syncs them
with a REST server in the background.

Every change is applied locally first and queued. Queued changes are sent
by 'nitrosync sync', or automatically after each command when
sync.auto_sync is enabled in the config.

Examples:
  nitrosync list add Groceries
  nitrosync task add Groceries Milk --priority 1
  nitrosync tasks Groceries
  nitrosync order Groceries <task-id>
  nitrosync sync`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath != "" {
				config.SetCustomConfigPath(opts.configPath)
			}
			utils.SetVerboseMode(opts.verbose)
			return utils.ValidateFormat(opts.format)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file or directory (default $XDG_CONFIG_HOME/nitrosync/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&opts.format, "format", "o", utils.FormatText, "output format: text, json or yaml")

	rootCmd.AddCommand(
		newListsCmd(app),
		newListCmd(app),
		newTasksCmd(app),
		newTaskCmd(app),
		newOrderCmd(app),
		newSyncCmd(app),
		newStatusCmd(app),
		newLoginCmd(app),
		newLogoutCmd(app),
		newBackgroundSyncCmd(app),
	)
	return rootCmd
}

// execute runs one invocation and returns the exit code.
func execute(app *App, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(app)
	rootCmd.SetArgs(args)
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if cerr := app.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(stderr, "Error:", app.explain(err))
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(&App{}, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
