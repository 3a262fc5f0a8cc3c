package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/controller"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/gateway"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crew API and event stream",
		Long: `Serve the HTTP API and websocket event stream for this worktree and
host the worker set. An interrupted run found on disk is recovered:
its tasks reload, orphaned claims reset, and workers respawn.

Example:
  crew serve                  # listen on the default address
  crew serve --listen :8080   # listen on a custom address`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")

			wt, err := resolveWorktree()
			if err != nil {
				return err
			}
			cfg, err := config.Load(wt)
			if err != nil {
				return err
			}

			dbPath := cfg.EventsDBPath
			if !filepath.IsAbs(dbPath) {
				dbPath = filepath.Join(wt, dbPath)
			}
			eventLog, err := events.OpenLog(dbPath, nil)
			if err != nil {
				return err
			}

			// The snapshot source is the controller, which needs the
			// publisher first; the indirection closes the cycle.
			var ctrl *controller.Controller
			pub := events.NewPersistentPublisher(eventLog,
				events.WithSnapshotFunc(func(id string) (events.Event, bool) {
					if ctrl == nil {
						return events.Event{}, false
					}
					return ctrl.SnapshotEvent(id)
				}))
			defer pub.Close()

			ctrl = controller.New(controller.Options{
				Worktree:  wt,
				Config:    cfg,
				Publisher: pub,
			})
			defer ctrl.Close()

			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}

			srv := gateway.New(gateway.Options{
				Controller: ctrl,
				Publisher:  pub,
				EventLog:   eventLog,
				Logger:     nil,
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\nShutting down...")
				srv.Shutdown()
			}()

			fmt.Printf("crew serving %s on %s\n", wt, listen)
			fmt.Println("Press Ctrl+C to stop")
			return srv.ListenAndServe(listen)
		},
	}
	cmd.Flags().String("listen", "127.0.0.1:7777", "address to listen on")
	return cmd
}
