package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nitrosync/backend"
	"nitrosync/internal/cli"
	"nitrosync/internal/utils"
)

// taskFlags are the optional task fields shared by add and edit.
type taskFlags struct {
	notes    string
	priority string
	due      string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.notes, "notes", "", "task notes")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", "", "priority 1 (highest) to 9, 0 or empty clears it")
	cmd.Flags().StringVar(&f.due, "due", "", "due date (YYYY-MM-DD), empty clears it")
}

// apply copies every flag the user set into props.
func (f *taskFlags) apply(cmd *cobra.Command, props backend.Props) error {
	if cmd.Flags().Changed("notes") {
		props["notes"] = f.notes
	}
	if cmd.Flags().Changed("priority") {
		p, err := utils.ParsePriorityFlag(f.priority)
		if err != nil {
			return err
		}
		props["priority"] = p
	}
	if cmd.Flags().Changed("due") {
		due, err := utils.ParseDateFlag(f.due)
		if err != nil {
			return err
		}
		if due == nil {
			props["due"] = ""
		} else {
			props["due"] = due.Format("2006-01-02")
		}
	}
	return nil
}

func newTasksCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:               "tasks [list]",
		Short:             "Show the tasks of a list in order",
		Long:              "Show the tasks of a list in order. Without a list the inbox is shown.",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: app.listCompletion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			name := string(backend.ListInbox)
			if len(args) == 1 {
				name = args[0]
			}
			list, err := cli.ResolveList(engine, name)
			if err != nil {
				return err
			}
			tasks, err := engine.GetTasks(backend.Local(list.ID))
			if err != nil {
				return err
			}
			if ok, err := app.structured(cmd.OutOrStdout(), tasks); ok {
				return err
			}
			app.printer(cmd).ShowTasks(list, tasks)
			return nil
		},
	}
}

func newTaskCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Add, edit or delete tasks",
		Long: `Manage tasks. Tasks are referred to by the id shown in 'nitrosync tasks'.

Examples:
  nitrosync task add Groceries Milk --priority 1
  nitrosync task edit <task-id> --content "Oat milk" --due 2026-01-15
  nitrosync task edit <task-id> --list Work
  nitrosync task rm <task-id>`,
	}
	cmd.AddCommand(newTaskAddCmd(app), newTaskEditCmd(app), newTaskRmCmd(app))
	return cmd
}

func newTaskAddCmd(app *App) *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:               "add <list> <content...>",
		Short:             "Add a task to the top of a list",
		Args:              cobra.MinimumNArgs(2),
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
			props := backend.Props{
				"content": strings.Join(args[1:], " "),
				"list":    string(list.ID),
			}
			if err := flags.apply(cmd, props); err != nil {
				return err
			}

			task, err := engine.AddTask(props)
			if err != nil {
				return err
			}
			app.maybeSync(cmd)
			if ok, err := app.structured(cmd.OutOrStdout(), task); ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %q (%s)\n", task.Content, task.ID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newTaskEditCmd(app *App) *cobra.Command {
	var flags taskFlags
	var content, listName string
	cmd := &cobra.Command{
		Use:   "edit <task>",
		Short: "Change a task or move it to another list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			task, err := cli.ResolveTask(engine, args[0])
			if err != nil {
				return err
			}

			props := backend.Props{}
			if cmd.Flags().Changed("content") {
				if strings.TrimSpace(content) == "" {
					return fmt.Errorf("content cannot be empty")
				}
				props["content"] = content
			}
			if listName != "" {
				list, err := cli.ResolveList(engine, listName)
				if err != nil {
					return err
				}
				props["list"] = string(list.ID)
			}
			if err := flags.apply(cmd, props); err != nil {
				return err
			}
			if len(props) == 0 {
				return fmt.Errorf("nothing to change: see 'nitrosync task edit --help'")
			}

			if _, err := engine.UpdateTask(backend.Local(task.ID), props); err != nil {
				return err
			}
			app.maybeSync(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "Updated task %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new task text")
	cmd.Flags().StringVarP(&listName, "list", "l", "", "move the task to this list")
	flags.register(cmd)
	return cmd
}

func newTaskRmCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <task>...",
		Aliases: []string{"delete", "done"},
		Short:   "Delete tasks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Engine()
			if err != nil {
				return err
			}
			for _, arg := range args {
				task, err := cli.ResolveTask(engine, arg)
				if err != nil {
					return err
				}
				if err := engine.DeleteTask(backend.Local(task.ID)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", task.Content)
			}
			app.maybeSync(cmd)
			return nil
		},
	}
}

func newOrderCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "order <list> <task>...",
		Short: "Reorder a list",
		Long: `Move the given tasks to the top of a list, in the order given. Tasks
not named keep their relative order after them.`,
		Args:              cobra.MinimumNArgs(2),
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

			order := make([]backend.LocalID, 0, len(args)-1)
			for _, arg := range args[1:] {
				task, err := cli.ResolveTask(engine, arg)
				if err != nil {
					return err
				}
				if task.List != list.ID {
					return fmt.Errorf("task %s is not in list %q", task.ID, args[0])
				}
				order = append(order, task.ID)
			}
			if err := engine.UpdateOrder(list.ID, order, true); err != nil {
				return err
			}
			app.maybeSync(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "Reordered %q\n", args[0])
			return nil
		},
	}
}
