// Package task defines the task model for crew: the typed unit of work one
// pipeline role executes, together with its durable on-disk representation.
package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind classifies the pipeline stage a task belongs to.
type Kind string

const (
	KindAnalysis  Kind = "analysis"
	KindConsensus Kind = "consensus"
	KindSplit     Kind = "split"
	KindImpl      Kind = "impl"
	KindTest      Kind = "test"
	KindReview    Kind = "review"
)

// Role identifies the worker contract that executes a task.
type Role string

const (
	RoleAnalystA         Role = "analyst_a"
	RoleAnalystB         Role = "analyst_b"
	RoleConsensusBuilder Role = "consensus_builder"
	RoleSplitter         Role = "splitter"
	RoleImplementer      Role = "implementer"
	RoleTester           Role = "tester"
	RoleReviewer         Role = "reviewer"
)

// Roles lists all roles in pipeline order. Scheduling iterates this slice so
// dispatch order is deterministic.
var Roles = []Role{
	RoleAnalystA,
	RoleAnalystB,
	RoleConsensusBuilder,
	RoleSplitter,
	RoleImplementer,
	RoleTester,
	RoleReviewer,
}

// KindForRole maps each role to the stage kind it produces.
var KindForRole = map[Role]Kind{
	RoleAnalystA:         KindAnalysis,
	RoleAnalystB:         KindAnalysis,
	RoleConsensusBuilder: KindConsensus,
	RoleSplitter:         KindSplit,
	RoleImplementer:      KindImpl,
	RoleTester:           KindTest,
	RoleReviewer:         KindReview,
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	_, ok := KindForRole[r]
	return ok
}

// Status is the task lifecycle state.
type Status string

const (
	StatusReady            Status = "ready"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingReview   Status = "awaiting_review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusBlocked          Status = "blocked"
	StatusDone             Status = "done"
	StatusError            Status = "error"
)

// IsSatisfied reports whether a dependency in status s unblocks its
// dependents. Only done and approved count.
func (s Status) IsSatisfied() bool {
	return s == StatusDone || s == StatusApproved
}

// IsTerminal reports whether the task will not be scheduled again without
// external intervention.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusApproved || s == StatusBlocked || s == StatusError
}

// OutcomeStatus is the result classification a worker reports on completion.
type OutcomeStatus string

const (
	OutcomeOK               OutcomeStatus = "ok"
	OutcomeChangesRequested OutcomeStatus = "changes_requested"
	OutcomeBlocked          OutcomeStatus = "blocked"
)

// WorkerOutcome is the structured document a worker writes when it finishes
// a task, successfully or not.
type WorkerOutcome struct {
	Status       OutcomeStatus `json:"status"`
	Summary      string        `json:"summary"`
	Details      string        `json:"details,omitempty"`
	DocumentPath string        `json:"documentPath,omitempty"`
}

// Task is the durable record of one unit of pipeline work. It is persisted
// as pretty-printed JSON, one file per task, under the run's tasks directory.
type Task struct {
	ID     string `json:"id"`
	RunID  string `json:"runId"`
	EpicID string `json:"epicId,omitempty"`
	Kind   Kind   `json:"kind"`
	Role   Role   `json:"role"`
	Status Status `json:"status"`

	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	WorkDir string `json:"workDir,omitempty"`

	DependsOn         []string `json:"dependsOn,omitempty"`
	ApprovalsRequired int      `json:"approvalsRequired,omitempty"`
	Approvals         []string `json:"approvals,omitempty"`

	Artifacts        []string       `json:"artifacts,omitempty"`
	ConversationPath string         `json:"conversationPath,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	Outcome          *WorkerOutcome `json:"workerOutcome,omitempty"`

	Assignee      string `json:"assignee,omitempty"`
	LastClaimedBy string `json:"lastClaimedBy,omitempty"`
	Retries       int    `json:"retries,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks enum membership and the record-level invariants. Records
// that fail validation are quarantined by the store rather than loaded.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if t.RunID == "" {
		return fmt.Errorf("task %s: run id is empty", t.ID)
	}
	if !ValidRole(t.Role) {
		return fmt.Errorf("task %s: unknown role %q", t.ID, t.Role)
	}
	if KindForRole[t.Role] != t.Kind {
		return fmt.Errorf("task %s: kind %q does not match role %q", t.ID, t.Kind, t.Role)
	}
	switch t.Status {
	case StatusReady, StatusInProgress, StatusAwaitingReview, StatusChangesRequested,
		StatusApproved, StatusBlocked, StatusDone, StatusError:
	default:
		return fmt.Errorf("task %s: unknown status %q", t.ID, t.Status)
	}
	if len(t.Approvals) > t.ApprovalsRequired {
		return fmt.Errorf("task %s: %d approvals exceed required %d", t.ID, len(t.Approvals), t.ApprovalsRequired)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
	}
	for _, a := range t.Artifacts {
		if err := ValidateArtifactPath(a); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return nil
}

// ValidateArtifactPath rejects artifact paths that are absolute or escape the
// worktree. Paths are stored repo-relative with forward slashes.
func ValidateArtifactPath(p string) error {
	if p == "" {
		return fmt.Errorf("artifact path is empty")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("artifact path %q is absolute", p)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("artifact path %q escapes the worktree", p)
	}
	return nil
}

// HasApproval reports whether approver already approved the task.
func (t *Task) HasApproval(approver string) bool {
	for _, a := range t.Approvals {
		if a == approver {
			return true
		}
	}
	return false
}

// DepsSatisfied reports whether every dependency of t is done or approved
// according to the supplied id -> status view.
func (t *Task) DepsSatisfied(statuses map[string]Status) bool {
	for _, dep := range t.DependsOn {
		s, ok := statuses[dep]
		if !ok || !s.IsSatisfied() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the task. The store hands out clones so that
// callers never mutate cached records in place.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Approvals = append([]string(nil), t.Approvals...)
	c.Artifacts = append([]string(nil), t.Artifacts...)
	if t.Outcome != nil {
		o := *t.Outcome
		c.Outcome = &o
	}
	return &c
}
