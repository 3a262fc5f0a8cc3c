// Package cli implements the crew command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	worktree string
	addr     string
	verbose  bool
	jsonOut  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Multi-role coding agent pipeline orchestrator",
	Long: `crew drives a briefing through a fixed pipeline of agent roles:
two analysts, a consensus builder, a splitter, an implementer, a tester,
and a reviewer. Tasks, conversations, and artifacts are plain files under
<worktree>/codex-runs/<runId>/, so every run survives a restart and can be
inspected with ordinary tools.

Quick start:
  crew start "Add rate limiting to the API"   Start a run in this worktree
  crew serve                                  Serve the API and event stream
  crew tasks                                  List the current run's tasks
  crew approve <task-id>                      Approve a task awaiting review`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&worktree, "worktree", "C", ".", "worktree directory to operate on")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7777", "address of a running crew serve")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newFollowUpCmd())
	rootCmd.AddCommand(newApproveCmd())
	rootCmd.AddCommand(newCommentCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newConversationCmd())
	rootCmd.AddCommand(newWorkersCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
