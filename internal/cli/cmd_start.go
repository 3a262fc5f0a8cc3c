package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/controller"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/run"
)

// newStartCmd creates the start command
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <briefing>",
		Short: "Start a run for a briefing",
		Long: `Start a run in the current worktree. The briefing is seeded to both
analyst agents; the pipeline expands itself as stages complete.

The command stays resident and hosts the workers. Stop it with Ctrl+C;
the run state survives on disk and a later crew serve resumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, _ := cmd.Flags().GetString("mode")
			guidance, _ := cmd.Flags().GetString("guidance")
			detach, _ := cmd.Flags().GetBool("detach")

			wt, err := resolveWorktree()
			if err != nil {
				return err
			}
			cfg, err := config.Load(wt)
			if err != nil {
				return err
			}
			if detach {
				cfg.AutoStartWorkers = false
			}

			ctrl := controller.New(controller.Options{
				Worktree:  wt,
				Config:    cfg,
				Publisher: events.NopPublisher{},
			})
			defer ctrl.Close()

			r, err := ctrl.StartRun(cmd.Context(), run.Mode(mode), args[0], guidance)
			if err != nil {
				return err
			}

			if jsonOut {
				if err := printJSON(r); err != nil {
					return err
				}
			} else {
				fmt.Printf("Run %s started (epic %s)\n", r.RunID, r.EpicID)
			}
			if detach {
				fmt.Println("Workers not started; run crew serve to execute the pipeline.")
				return nil
			}

			fmt.Println("Workers running. Press Ctrl+C to detach; the run stays on disk.")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().String("mode", string(run.ModeImplementFeature), "run mode (implement_feature or bug_hunt)")
	cmd.Flags().String("guidance", "", "extra guidance passed to the analyst prompts")
	cmd.Flags().Bool("detach", false, "create the run without hosting workers")
	return cmd
}

// newStopCmd creates the stop command
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the current run",
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
			if err := ctrl.StopRun(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Run stopped")
			return nil
		},
	}
}
