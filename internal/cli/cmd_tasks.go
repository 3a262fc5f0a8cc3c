package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newTasksCmd creates the tasks command
func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the current run's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := oneShotController(nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}

			tasks, err := ctrl.Tasks()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(tasks)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROLE\tSTATUS\tDEPS\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Role, t.Status, len(t.DependsOn), t.Title)
			}
			return w.Flush()
		},
	}
}

// newSnapshotCmd creates the snapshot command
func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the full projection snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := oneShotController(nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}
			return printJSON(ctrl.Snapshot())
		},
	}
}

// newConversationCmd creates the conversation command
func newConversationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversation <task-id>",
		Short: "Show a task's conversation log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := oneShotController(nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}

			entries, err := ctrl.TaskConversation(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("[%s] %s: %s\n", e.CreatedAt.Format("15:04:05"), e.Author, e.Message)
			}
			return nil
		},
	}
}
