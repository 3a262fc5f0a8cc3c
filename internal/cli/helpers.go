package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/controller"
	"github.com/mwhitaker/crew/internal/events"
)

// resolveWorktree returns the absolute worktree path.
func resolveWorktree() (string, error) {
	abs, err := filepath.Abs(worktree)
	if err != nil {
		return "", fmt.Errorf("resolve worktree: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("worktree %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("worktree %s is not a directory", abs)
	}
	return abs, nil
}

// oneShotController builds a controller for a single command invocation.
// Workers stay down: one-shot verbs mutate the task store and exit; a
// resident crew serve (or the next one) picks the changes up through its
// task watcher.
func oneShotController(pub events.Publisher) (*controller.Controller, *config.Config, error) {
	wt, err := resolveWorktree()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(wt)
	if err != nil {
		return nil, nil, err
	}
	cfg.AutoStartWorkers = false

	if pub == nil {
		pub = events.NopPublisher{}
	}
	ctrl := controller.New(controller.Options{
		Worktree:  wt,
		Config:    cfg,
		Publisher: pub,
	})
	return ctrl, cfg, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// postJSON sends a request to a running crew serve and decodes the reply.
func postJSON(path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	resp, err := http.Post("http://"+addr+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("reach crew serve at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Kind  string `json:"kind"`
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("crew serve returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
