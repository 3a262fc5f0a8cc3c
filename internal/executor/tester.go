package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/task"
)

// TesterExecutor shells out to the configured test command instead of
// driving the agent. The captured output becomes an artifact; the outcome is
// ok iff the command exits zero, blocked otherwise.
type TesterExecutor struct {
	cfg Config
}

// Execute runs the test command in the worktree.
func (e *TesterExecutor) Execute(ctx context.Context, ec ExecutionContext) (*task.WorkerOutcome, error) {
	if e.cfg.TestCommand == "" {
		return nil, fault.New(fault.Validation, "no test command configured")
	}

	cmd := exec.Command("sh", "-c", e.cfg.TestCommand)
	cmd.Dir = ec.Worktree
	setProcAttr(cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(fault.WorkerCrash, err, "start test command")
	}

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

	if ec.Log != nil && output.Len() > 0 {
		ec.Log(events.SourceStdout, output.String())
	}

	sink := newArtifactSink(ec.Worktree, ec.RunID, ec.Task.ID, nil)
	if err := sink.Write("test-output.txt", output.Bytes()); err != nil {
		return nil, err
	}
	ec.Task.Artifacts = append(ec.Task.Artifacts, sink.Paths()...)

	if killed {
		return &task.WorkerOutcome{
			Status:  task.OutcomeBlocked,
			Summary: "test run cancelled",
		}, nil
	}
	if waitErr != nil {
		return &task.WorkerOutcome{
			Status:  task.OutcomeBlocked,
			Summary: fmt.Sprintf("tests failed: %v", waitErr),
			Details: tail(output.String(), 4096),
		}, nil
	}
	return &task.WorkerOutcome{
		Status:  task.OutcomeOK,
		Summary: "tests passed",
	}, nil
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
