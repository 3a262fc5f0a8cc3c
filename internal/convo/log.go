// Package convo implements the append-only per-task conversation log.
//
// Each task owns one file under <runDir>/conversations/<taskId>.log holding
// newline-delimited JSON entries. Appends use O_APPEND so concurrent writers
// (gateway comments, worker outcomes) interleave at line granularity without
// coordination.
package convo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DirName is the conversations directory under a run directory.
const DirName = "conversations"

// Entry is one conversation record. Entries are append-only and ordered by
// write time within a file.
type Entry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Path returns the repo-relative log file path for a task. It is recorded on
// the task as conversationPath and never changes once set.
func Path(taskID string) string {
	return filepath.Join(DirName, taskID+".log")
}

// Log appends and reads conversation entries for one run.
type Log struct {
	runDir string
}

// NewLog creates a conversation log rooted at the given run directory.
func NewLog(runDir string) *Log {
	return &Log{runDir: runDir}
}

// Append writes one entry to the task's log, creating the file on first use.
func (l *Log) Append(taskID, author, message string) (*Entry, error) {
	entry := &Entry{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Author:    author,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation entry: %w", err)
	}
	line = append(line, '\n')

	dir := filepath.Join(l.runDir, DirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversations directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, taskID+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return nil, fmt.Errorf("append conversation entry: %w", err)
	}
	return entry, nil
}

// Read returns all entries for a task in append order. A missing file yields
// an empty slice: a task simply has no conversation yet.
func (l *Log) Read(taskID string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(l.runDir, DirName, taskID+".log"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crashed writer is skipped.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan conversation log: %w", err)
	}
	return entries, nil
}
