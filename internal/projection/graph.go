package projection

import (
	"github.com/mwhitaker/crew/internal/task"
)

// NodeState is the derived state of one pipeline role.
type NodeState string

const (
	// NodeIdle means the role has no tasks yet.
	NodeIdle NodeState = "idle"
	// NodePending means the role has tasks waiting on dependencies.
	NodePending NodeState = "pending"
	// NodeActive means at least one task of the role is being worked.
	NodeActive NodeState = "active"
	// NodeDone means every task of the role reached a satisfied status.
	NodeDone NodeState = "done"
	// NodeError means a task of the role is blocked on a fault or stuck in
	// review churn.
	NodeError NodeState = "error"
)

// GraphNode is one role in the agent graph.
type GraphNode struct {
	Role       task.Role `json:"role"`
	State      NodeState `json:"state"`
	StatusText string    `json:"statusText,omitempty"`
}

// GraphEdge is a fixed pipeline edge. Active marks edges whose source role
// is currently being worked, so a renderer can animate the flow.
type GraphEdge struct {
	From   task.Role `json:"from"`
	To     task.Role `json:"to"`
	Active bool      `json:"active,omitempty"`
}

// Graph is the agent pipeline rendered from the current task set.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// pipelineEdges is the fixed shape of the workflow; task state never changes
// the topology, only the node states.
var pipelineEdges = []GraphEdge{
	{From: task.RoleAnalystA, To: task.RoleConsensusBuilder},
	{From: task.RoleAnalystB, To: task.RoleConsensusBuilder},
	{From: task.RoleConsensusBuilder, To: task.RoleSplitter},
	{From: task.RoleSplitter, To: task.RoleImplementer},
	{From: task.RoleImplementer, To: task.RoleTester},
	{From: task.RoleImplementer, To: task.RoleReviewer},
	{From: task.RoleTester, To: task.RoleReviewer},
}

// AgentGraph derives the agent graph from a task set. It is a pure function
// of its input: same tasks, same graph.
func AgentGraph(tasks []*task.Task) Graph {
	byRole := make(map[task.Role][]*task.Task)
	for _, t := range tasks {
		byRole[t.Role] = append(byRole[t.Role], t)
	}

	nodes := make([]GraphNode, 0, len(task.Roles))
	states := make(map[task.Role]NodeState, len(task.Roles))
	for _, role := range task.Roles {
		state := roleState(byRole[role])
		states[role] = state
		nodes = append(nodes, GraphNode{
			Role:       role,
			State:      state,
			StatusText: roleStatusText(byRole[role]),
		})
	}

	edges := make([]GraphEdge, 0, len(pipelineEdges))
	for _, e := range pipelineEdges {
		e.Active = states[e.From] == NodeActive
		edges = append(edges, e)
	}

	return Graph{Nodes: nodes, Edges: edges}
}

// roleState collapses a role's tasks into one node state. Precedence:
// error beats active beats pending beats done.
func roleState(tasks []*task.Task) NodeState {
	if len(tasks) == 0 {
		return NodeIdle
	}

	var active, pending, errored int
	done := 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusInProgress, task.StatusAwaitingReview, task.StatusReady:
			active++
		case task.StatusChangesRequested:
			active++
		case task.StatusBlocked:
			if t.Outcome != nil {
				errored++
			} else {
				pending++
			}
		case task.StatusError:
			errored++
		case task.StatusDone, task.StatusApproved:
			done++
		}
	}

	switch {
	case errored > 0:
		return NodeError
	case active > 0:
		return NodeActive
	case pending > 0:
		return NodePending
	default:
		return NodeDone
	}
}

// roleStatusText is the summary of the most recently updated task with an
// outcome, giving the graph a one-line caption per role.
func roleStatusText(tasks []*task.Task) string {
	var text string
	var latest *task.Task
	for _, t := range tasks {
		if t.Outcome == nil || t.Outcome.Summary == "" {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
			text = t.Outcome.Summary
		}
	}
	return text
}
