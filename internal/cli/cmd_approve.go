package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newApproveCmd creates the approve command
func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a task awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			approver, _ := cmd.Flags().GetString("as")

			ctrl, _, err := oneShotController(nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}

			t, err := ctrl.ApproveTask(cmd.Context(), args[0], approver)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(t)
			}
			fmt.Printf("Task %s: %s (%d/%d approvals)\n", t.ID, t.Status, len(t.Approvals), t.ApprovalsRequired)
			return nil
		},
	}
	cmd.Flags().String("as", "operator", "approver identity")
	return cmd
}

// newCommentCmd creates the comment command
func newCommentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comment <task-id> <message>",
		Short: "Comment on a task's conversation",
		Long: `Append a comment to a task's conversation log. Commenting on a task
that is awaiting review sends it back to its worker with changes requested.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			author, _ := cmd.Flags().GetString("as")

			ctrl, _, err := oneShotController(nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}

			entry, err := ctrl.CommentOnTask(cmd.Context(), args[0], author, args[1])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(entry)
			}
			fmt.Printf("Comment %s added to %s\n", entry.ID, args[0])
			return nil
		},
	}
	cmd.Flags().String("as", "operator", "comment author")
	return cmd
}

// newFollowUpCmd creates the follow-up command
func newFollowUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow-up <message>",
		Short: "Submit a follow-up to the current run",
		Long: `Submit a follow-up message. While the run waits after an approved
review, the follow-up becomes the briefing of a fresh analysis epic; while
work is still in flight, it lands on the run thread as guidance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := oneShotController(nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}

			r, err := ctrl.SubmitFollowUp(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(r)
			}
			fmt.Printf("Run %s: %s (epic %s)\n", r.RunID, r.Status, r.EpicID)
			return nil
		},
	}
}
