package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// The buffer flushes when it reaches this many events.
	logFlushThreshold = 10
	// The buffer also flushes on this interval.
	logFlushInterval = 5 * time.Second
)

// StoredEvent is one row of the durable event log.
type StoredEvent struct {
	ID         int64     `json:"id"`
	WorktreeID string    `json:"worktreeId"`
	EventType  string    `json:"eventType"`
	Data       string    `json:"data,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Log persists events to a sqlite database for timeline reconstruction.
// Writes are buffered and flushed in batches so event-heavy phases do not
// turn into one transaction per event.
type Log struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	buffer []Event

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

const logSchema = `
CREATE TABLE IF NOT EXISTS event_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	worktree_id TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	data        TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_worktree ON event_log(worktree_id, id);
`

// OpenLog opens (creating if needed) the event log database at path.
func OpenLog(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec(logSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}

	l := &Log{
		db:     db,
		logger: logger,
		buffer: make([]Event, 0, logFlushThreshold),
		ticker: time.NewTicker(logFlushInterval),
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

// Append buffers an event for persistence. worker-log chunks are not
// persisted; tails live in the projection only.
func (l *Log) Append(ev Event) {
	if ev.Type == TypeWorkerLog {
		return
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, ev)
	shouldFlush := len(l.buffer) >= logFlushThreshold
	l.mu.Unlock()

	if shouldFlush {
		l.flush()
	}
}

// Query returns up to limit stored events for a worktree, oldest first.
// A limit <= 0 returns everything.
func (l *Log) Query(worktreeID string, limit int) ([]StoredEvent, error) {
	l.flush()

	q := `SELECT id, worktree_id, event_type, COALESCE(data, ''), created_at
		FROM event_log WHERE worktree_id = ? ORDER BY id`
	args := []any{worktreeID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		var created string
		if err := rows.Scan(&se.ID, &se.WorktreeID, &se.EventType, &se.Data, &created); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		se.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, se)
	}
	return out, rows.Err()
}

// Close flushes remaining events and releases the database.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.ticker.Stop()
		l.wg.Wait()
		l.flush()
		err = l.db.Close()
	})
	return err
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ticker.C:
			l.flush()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Log) flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	toFlush := l.buffer
	l.buffer = make([]Event, 0, logFlushThreshold)
	l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Error("event log flush failed", "error", err, "count", len(toFlush))
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO event_log (worktree_id, event_type, data, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		l.logger.Error("event log flush failed", "error", err, "count", len(toFlush))
		return
	}
	defer stmt.Close()

	for _, ev := range toFlush {
		var data *string
		if ev.Data != nil {
			if b, err := json.Marshal(ev.Data); err == nil {
				s := string(b)
				data = &s
			}
		}
		if _, err := stmt.Exec(ev.WorktreeID, string(ev.Type), data, ev.Time.UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			l.logger.Error("event log flush failed", "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Error("event log commit failed", "error", err, "count", len(toFlush))
	}
}

// PersistentPublisher wraps a MemoryPublisher with durable event logging.
type PersistentPublisher struct {
	inner *MemoryPublisher
	log   *Log
}

// NewPersistentPublisher creates a publisher that both fans out in memory
// and appends to the durable log.
func NewPersistentPublisher(log *Log, opts ...PublisherOption) *PersistentPublisher {
	return &PersistentPublisher{
		inner: NewMemoryPublisher(opts...),
		log:   log,
	}
}

// Publish fans the event out and persists it.
func (p *PersistentPublisher) Publish(event Event) {
	p.inner.Publish(event)
	if p.log != nil {
		p.log.Append(event)
	}
}

// Subscribe returns a channel receiving events for the given worktree.
func (p *PersistentPublisher) Subscribe(worktreeID string) <-chan Event {
	return p.inner.Subscribe(worktreeID)
}

// Unsubscribe removes a subscription channel.
func (p *PersistentPublisher) Unsubscribe(worktreeID string, ch <-chan Event) {
	p.inner.Unsubscribe(worktreeID, ch)
}

// Close shuts down the in-memory fan-out and the durable log.
func (p *PersistentPublisher) Close() {
	p.inner.Close()
	if p.log != nil {
		_ = p.log.Close()
	}
}
