// Package executor runs one pipeline role against one task: it spawns the
// model-invocation subprocess, forwards its output, collects artifacts, and
// produces the worker outcome document.
package executor

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/task"
)

// ArtifactsDirName is the artifacts directory under a run directory.
const ArtifactsDirName = "artifacts"

// LogFunc receives worker output chunks as they arrive.
type LogFunc func(source events.LogSource, chunk string)

// ExecutionContext carries everything an executor needs for one task.
type ExecutionContext struct {
	Worktree      string
	RunID         string
	Task          *task.Task
	ModelPriority []string
	Log           LogFunc
}

// Executor runs one role against one task. Implementations must honor
// context cancellation by terminating any subprocess within the configured
// grace window and returning a blocked outcome.
type Executor interface {
	Execute(ctx context.Context, ec ExecutionContext) (*task.WorkerOutcome, error)
}

// Config holds executor settings shared across roles.
type Config struct {
	AgentBinary      string
	TestCommand      string
	SpawnBudget      time.Duration
	CancelGrace      time.Duration
	ArtifactPatterns []string
	Logger           *slog.Logger
}

// ForRole returns the executor implementation for a role. The tester role
// shells out to the test command; every other role drives the agent binary.
func ForRole(role task.Role, cfg Config) Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if role == task.RoleTester {
		return &TesterExecutor{cfg: cfg}
	}
	return &AgentExecutor{cfg: cfg}
}

// AgentExecutor drives the model-invocation subprocess with the task prompt
// and a structured response contract: the subprocess emits newline-delimited
// JSON with `type` ∈ {log, artifact, outcome}.
type AgentExecutor struct {
	cfg Config
}

// Execute runs the agent against the task.
func (e *AgentExecutor) Execute(ctx context.Context, ec ExecutionContext) (*task.WorkerOutcome, error) {
	model, err := e.selectModel(ctx, ec.ModelPriority)
	if err != nil {
		return nil, err
	}

	args := []string{
		"exec",
		"--model", model,
		"--output-format", "stream-json",
		"--prompt", ec.Task.Prompt,
	}

	// Termination is managed below (SIGTERM, then SIGKILL after the grace
	// window), so the command is not bound to the context directly.
	cmd := exec.Command(e.cfg.AgentBinary, args...)
	cmd.Dir = ec.Worktree
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.WorkerCrash, err, "pipe agent stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fault.Wrap(fault.WorkerCrash, err, "pipe agent stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.WorkerCrash, err, "start agent %s", e.cfg.AgentBinary)
	}

	sink := newArtifactSink(ec.Worktree, ec.RunID, ec.Task.ID, e.cfg.ArtifactPatterns)

	var outcome *task.WorkerOutcome
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ec.Log != nil {
				ec.Log(events.SourceStderr, scanner.Text())
			}
		}
	}()

	var streamErr error
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			o, err := e.handleLine(line, ec, sink)
			if err != nil {
				streamErr = err
				continue
			}
			if o != nil {
				outcome = o
			}
		}
	}()

	// Escalating termination on cancellation: SIGTERM the process group,
	// then SIGKILL after the grace window.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	killed := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		killed = true
		terminateProcessGroup(cmd, e.cfg.CancelGrace)
		waitErr = <-done
	}
	wg.Wait()

	if killed {
		return &task.WorkerOutcome{
			Status:  task.OutcomeBlocked,
			Summary: "cancelled before completion",
		}, nil
	}
	if waitErr != nil {
		return nil, fault.Wrap(fault.WorkerCrash, waitErr, "agent exited abnormally")
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if outcome == nil {
		return nil, fault.New(fault.WorkerCrash, "agent exited without an outcome document")
	}

	ec.Task.Artifacts = append(ec.Task.Artifacts, sink.Paths()...)
	return outcome, nil
}

// handleLine dispatches one stream-json line from the agent.
func (e *AgentExecutor) handleLine(line string, ec ExecutionContext, sink *artifactSink) (*task.WorkerOutcome, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	if !gjson.Valid(line) {
		// Plain text from the agent is forwarded as log output.
		if ec.Log != nil {
			ec.Log(events.SourceStdout, line)
		}
		return nil, nil
	}

	switch gjson.Get(line, "type").String() {
	case "log", "message":
		if ec.Log != nil {
			ec.Log(events.SourceStdout, gjson.Get(line, "text").String())
		}

	case "artifact":
		rel := gjson.Get(line, "artifact.path").String()
		contents := gjson.Get(line, "artifact.contents").String()
		if err := sink.Write(rel, []byte(contents)); err != nil {
			return nil, err
		}

	case "outcome":
		status := task.OutcomeStatus(gjson.Get(line, "outcome.status").String())
		switch status {
		case task.OutcomeOK, task.OutcomeChangesRequested, task.OutcomeBlocked:
		default:
			return nil, fault.New(fault.WorkerCrash, "agent reported unknown outcome status %q", status)
		}
		return &task.WorkerOutcome{
			Status:       status,
			Summary:      gjson.Get(line, "outcome.summary").String(),
			Details:      gjson.Get(line, "outcome.details").String(),
			DocumentPath: gjson.Get(line, "outcome.documentPath").String(),
		}, nil

	default:
		// Unknown variants are forwarded verbatim; the contract may grow.
		if ec.Log != nil {
			ec.Log(events.SourceStdout, line)
		}
	}
	return nil, nil
}

// selectModel returns the first usable entry of the priority list. Usability
// is a health check on the agent binary performed within the spawn budget.
func (e *AgentExecutor) selectModel(ctx context.Context, priority []string) (string, error) {
	if len(priority) == 0 {
		return "", fault.New(fault.Validation, "empty model priority list")
	}

	if _, err := exec.LookPath(e.cfg.AgentBinary); err != nil {
		return "", fault.Wrap(fault.WorkerCrash, err, "agent binary %s not found", e.cfg.AgentBinary)
	}

	budget := e.cfg.SpawnBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := exec.CommandContext(checkCtx, e.cfg.AgentBinary, "--version").Run(); err != nil {
		if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			return "", fault.Wrap(fault.WorkerCrash, err, "agent health check exceeded spawn budget")
		}
		return "", fault.Wrap(fault.WorkerCrash, err, "agent health check failed")
	}

	for _, m := range priority {
		if m != "" {
			return m, nil
		}
	}
	return "", fault.New(fault.Validation, "model priority list has no usable entry")
}

// ArtifactsDir returns the artifact directory for a task, inside the run
// directory.
func ArtifactsDir(worktree, runID, taskID string) string {
	return filepath.Join(worktree, "codex-runs", runID, ArtifactsDirName, taskID)
}

// ArtifactRelPath returns the repo-relative path recorded on the task for an
// artifact written under the task's artifact directory.
func ArtifactRelPath(runID, taskID, rel string) string {
	return filepath.ToSlash(filepath.Join("codex-runs", runID, ArtifactsDirName, taskID, rel))
}
