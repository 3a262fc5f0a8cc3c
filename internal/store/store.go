// Package store implements the durable task store: one JSON file per task
// under <worktree>/codex-runs/<runId>/tasks/, plus the workflow expansion
// state machine that grows the pipeline stage by stage.
//
// The store is the ground truth for the whole orchestrator. In-memory state
// elsewhere is a projection that can be rebuilt from this directory at any
// time.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwhitaker/crew/internal/fault"
	"github.com/mwhitaker/crew/internal/run"
	"github.com/mwhitaker/crew/internal/task"
	"github.com/mwhitaker/crew/internal/util"
)

// TasksDirName is the tasks directory under a run directory.
const TasksDirName = "tasks"

// CorruptSuffix is appended to task files that fail schema validation.
const CorruptSuffix = ".corrupt"

// ErrClaimLost is returned by Claim when a concurrent claimer won the task.
var ErrClaimLost = errors.New("claim lost: task no longer ready")

// ErrNotFound is returned when a task id has no record on disk.
var ErrNotFound = errors.New("task not found")

// Entry pairs a task record with the file it was loaded from.
type Entry struct {
	Path string
	Task *task.Task
}

// Store is a filesystem-rooted task repository for one run.
//
// All mutations go through the store mutex, which serializes status
// transitions within this process; the expansion lock file serializes
// expansion across processes.
type Store struct {
	worktree string
	runID    string
	logger   *slog.Logger

	mu       sync.Mutex
	lock     *ExpansionLock
	onChange func()
	onError  func(error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithOnChange registers a callback invoked after every successful mutation.
// The scheduler and projection hang off this.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithOnError registers a callback for non-fatal store faults (quarantined
// files, dangling dependencies). The projection turns these into error
// events.
func WithOnError(fn func(error)) Option {
	return func(s *Store) { s.onError = fn }
}

// New creates a store for the given worktree and run.
func New(worktree, runID string, opts ...Option) *Store {
	s := &Store{
		worktree: worktree,
		runID:    runID,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lock = NewExpansionLock(s.RunDir(), lockOwner())
	return s
}

// RunDir returns the run directory.
func (s *Store) RunDir() string {
	return filepath.Join(s.worktree, run.RunsDirName, s.runID)
}

// TasksDir returns the tasks directory.
func (s *Store) TasksDir() string {
	return filepath.Join(s.RunDir(), TasksDirName)
}

// Worktree returns the worktree root the store is rooted in.
func (s *Store) Worktree() string { return s.worktree }

// RunID returns the run the store belongs to.
func (s *Store) RunID() string { return s.runID }

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.TasksDir(), id+".json")
}

func (s *Store) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Store) reportError(err error) {
	s.logger.Warn("task store fault", "run", s.runID, "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// WriteRecord persists a task atomically (temp file + rename, trailing
// newline) and bumps UpdatedAt. Callers should hold no expectations about
// concurrent writers; use Mutate for read-modify-write cycles.
func (s *Store) WriteRecord(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(t)
}

func (s *Store) writeLocked(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid task record")
	}
	t.UpdatedAt = time.Now().UTC()
	if err := util.AtomicWriteJSON(s.taskPath(t.ID), t, 0644); err != nil {
		return fault.Wrap(fault.Storage, err, "write task %s", t.ID)
	}
	s.notifyChange()
	return nil
}

// Get loads a single task by id.
func (s *Store) Get(id string) (*task.Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault.Wrap(fault.Storage, err, "read task %s", id)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fault.Wrap(fault.Storage, err, "parse task %s", id)
	}
	return &t, nil
}

// ReadEntries lists all tasks for the run, sorted by creation time then id.
// Files that fail schema validation are quarantined with a .corrupt suffix
// and reported, not fatal. Dependency references to unknown tasks mark the
// referencing task blocked; cycles likewise.
func (s *Store) ReadEntries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEntriesLocked()
}

func (s *Store) readEntriesLocked() ([]Entry, error) {
	dir := s.TasksDir()
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Storage, err, "list tasks directory")
	}

	var entries []Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)

		t, err := s.loadFile(path)
		if err != nil {
			s.quarantine(path, err)
			continue
		}
		entries = append(entries, Entry{Path: path, Task: t})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Task, entries[j].Task
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	s.blockInvalidDeps(entries)
	return entries, nil
}

func (s *Store) loadFile(path string) (*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// quarantine renames a malformed task file aside so later reads do not trip
// over it again, and reports the fault.
func (s *Store) quarantine(path string, cause error) {
	if renameErr := os.Rename(path, path+CorruptSuffix); renameErr != nil {
		s.reportError(fault.Wrap(fault.Storage, renameErr, "quarantine %s", filepath.Base(path)))
		return
	}
	s.reportError(fault.Wrap(fault.Storage, cause, "quarantined task file %s", filepath.Base(path)))
}

// blockInvalidDeps marks tasks with dangling dependency references or cycle
// membership as blocked. The task graph must stay acyclic by construction;
// this is the load-time safety net.
func (s *Store) blockInvalidDeps(entries []Entry) {
	known := make(map[string]*task.Task, len(entries))
	for _, e := range entries {
		known[e.Task.ID] = e.Task
	}

	block := func(t *task.Task, reason error) {
		if t.Status == task.StatusBlocked {
			return
		}
		t.Status = task.StatusBlocked
		if err := s.writeLocked(t); err != nil {
			s.reportError(err)
		}
		s.reportError(reason)
	}

	for _, e := range entries {
		for _, dep := range e.Task.DependsOn {
			if _, ok := known[dep]; !ok {
				block(e.Task, fault.New(fault.Storage, "task %s depends on unknown task %s", e.Task.ID, dep))
				break
			}
		}
	}

	for _, id := range findCycle(known) {
		block(known[id], fault.New(fault.Storage, "task %s participates in a dependency cycle", id))
	}
}

// findCycle returns the ids of tasks on a dependency cycle, empty when the
// graph is acyclic.
func findCycle(tasks map[string]*task.Task) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var cyclic []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		t := tasks[id]
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range tasks {
		if color[id] == white && visit(id) {
			for cid, c := range color {
				if c == gray {
					cyclic = append(cyclic, cid)
				}
			}
			break
		}
	}
	sort.Strings(cyclic)
	return cyclic
}

// Mutate applies fn to the current record of id under the store write lock
// and persists the result. fn returning false skips the write.
func (s *Store) Mutate(id string, fn func(*task.Task) bool) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !fn(t) {
		return t, nil
	}
	if err := s.writeLocked(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Claim transitions a task from ready to in_progress for a worker. The
// compare-and-swap runs under the store write lock; a concurrent winner
// leaves the loser with ErrClaimLost.
func (s *Store) Claim(id, workerID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusReady {
		return nil, ErrClaimLost
	}
	t.Status = task.StatusInProgress
	t.Assignee = workerID
	t.LastClaimedBy = workerID
	if err := s.writeLocked(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Release returns a claimed task to ready, unless a terminal outcome has
// already been persisted. Used on worker crash, heartbeat expiry, and
// cancellation. The retry counter survives so the scheduler can bound
// crash retries.
func (s *Store) Release(id string, countRetry bool) (*task.Task, error) {
	return s.Mutate(id, func(t *task.Task) bool {
		if t.Status != task.StatusInProgress {
			return false
		}
		t.Status = task.StatusReady
		t.Assignee = ""
		t.Outcome = nil
		if countRetry {
			t.Retries++
		}
		return true
	})
}

// lockOwner identifies this process in the expansion lock file.
func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s#%d", host, os.Getpid())
}
