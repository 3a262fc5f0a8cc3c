package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/task"
)

// newWorkersCmd creates the workers command group. Worker verbs talk to a
// running crew serve: workers exist only inside the serving process.
func newWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Configure and control the worker set of a running crew serve",
	}
	cmd.AddCommand(newWorkersConfigureCmd())
	cmd.AddCommand(newWorkersStartCmd())
	cmd.AddCommand(newWorkersStopCmd())
	return cmd
}

// newWorkersConfigureCmd creates the workers configure command
func newWorkersConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure <role>=<count> ...",
		Short: "Set desired worker counts per role",
		Long: `Set desired worker counts, e.g.:

  crew workers configure analyst_a=2 analyst_b=2 implementer=1

Counts above the role cap are clamped (analysts cap at 4, other roles
at 2). Use --models to set the model priority applied to every listed
role.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			models, _ := cmd.Flags().GetStringSlice("models")

			var configs []config.WorkerSpawnConfig
			for _, arg := range args {
				role, count, err := parseRoleCount(arg)
				if err != nil {
					return err
				}
				configs = append(configs, config.WorkerSpawnConfig{
					Role:          role,
					Count:         count,
					ModelPriority: models,
				})
			}

			body := map[string]any{"workers": configs}
			if err := postJSON("/api/workers/configure", body, nil); err != nil {
				return err
			}
			fmt.Println("Worker configuration updated")
			return nil
		},
	}
	cmd.Flags().StringSlice("models", nil, "model priority list for the listed roles")
	return cmd
}

// newWorkersStartCmd creates the workers start command
func newWorkersStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Spawn workers up to the configured counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postJSON("/api/workers/start", nil, nil); err != nil {
				return err
			}
			fmt.Println("Workers started")
			return nil
		},
	}
}

// newWorkersStopCmd creates the workers stop command
func newWorkersStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [role ...]",
		Short: "Stop workers (all roles when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := make([]task.Role, 0, len(args))
			for _, a := range args {
				r := task.Role(a)
				if !task.ValidRole(r) {
					return fmt.Errorf("unknown role %q", a)
				}
				roles = append(roles, r)
			}
			body := map[string]any{"roles": roles}
			if err := postJSON("/api/workers/stop", body, nil); err != nil {
				return err
			}
			fmt.Println("Workers stopped")
			return nil
		},
	}
}

func parseRoleCount(arg string) (task.Role, int, error) {
	role, countStr, ok := strings.Cut(arg, "=")
	if !ok {
		return "", 0, fmt.Errorf("expected <role>=<count>, got %q", arg)
	}
	r := task.Role(role)
	if !task.ValidRole(r) {
		return "", 0, fmt.Errorf("unknown role %q", role)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return "", 0, fmt.Errorf("count in %q is not a number", arg)
	}
	return r, count, nil
}
