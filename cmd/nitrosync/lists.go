package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nitrosync/backend"
	"nitrosync/internal/cli"
	"nitrosync/internal/combined"
	"nitrosync/internal/utils"
)

func (a *App) listCompletion() cli.CompletionFunc {
	return cli.ListCompletion(func() ([]combined.ListInfo, error) {
		engine, err := a.Engine()
		if err != nil {
			return nil, err
		}
		return engine.GetLists(), nil
	})
}

func newListsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "lists",
		Short: "Show all lists with their task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			lists := engine.GetLists()
			if ok, err := app.structured(cmd.OutOrStdout(), lists); ok {
				return err
			}
			app.printer(cmd).ShowLists(lists)
			return nil
		},
	}
}

func newListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Create, rename or delete lists",
		Long: `Manage lists. System lists (inbox, today, next, all) cannot be
renamed or deleted.

Examples:
  nitrosync list add Groceries --notes "weekly shop"
  nitrosync list rename Groceries Shopping
  nitrosync list rm Shopping`,
	}
	cmd.AddCommand(newListAddCmd(app), newListRenameCmd(app), newListRmCmd(app))
	return cmd
}

func newListAddCmd(app *App) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			props := backend.Props{"name": args[0]}
			if notes != "" {
				props["notes"] = notes
			}
			list, err := engine.AddList(props, true)
			if err != nil {
				return err
			}
			app.maybeSync(cmd)
			if ok, err := app.structured(cmd.OutOrStdout(), list); ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created list %q (%s)\n", args[0], list.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "list notes")
	return cmd
}

func newListRenameCmd(app *App) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:               "rename <list> [new-name]",
		Short:             "Rename a list or change its notes",
		Args:              cobra.RangeArgs(1, 2),
		ValidArgsFunction: app.listCompletion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			list, err := cli.ResolveList(engine, args[0])
			if err != nil {
				return err
			}

			props := backend.Props{}
			if len(args) == 2 {
				props["name"] = args[1]
			}
			if cmd.Flags().Changed("notes") {
				props["notes"] = notes
			}
			if len(props) == 0 {
				return fmt.Errorf("nothing to change: give a new name or --notes")
			}
			if _, err := engine.UpdateList(backend.Local(list.ID), props); err != nil {
				return err
			}
			app.maybeSync(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "Updated list %s\n", list.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "new notes (empty clears them)")
	return cmd
}

func newListRmCmd(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:               "rm <list>",
		Aliases:           []string{"delete"},
		Short:             "Delete a list and all of its tasks",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: app.listCompletion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			list, err := cli.ResolveList(engine, args[0])
			if err != nil {
				return err
			}
			if list.IsSystem() {
				return utils.ErrProtectedList(string(list.ID))
			}

			count := len(list.LocalOrder)
			if count > 0 && !yes {
				question := fmt.Sprintf("Delete %q and its %d task(s)?", args[0], count)
				if !utils.PromptYesNo(cmd.InOrStdin(), cmd.OutOrStdout(), question) {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
					return nil
				}
			}
			if err := engine.DeleteList(backend.Local(list.ID)); err != nil {
				return err
			}
			app.maybeSync(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted list %s\n", list.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
