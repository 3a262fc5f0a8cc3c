package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the tasks directory and invokes a callback after task
// files change. Bursts of writes (an expansion pass touches several files)
// are debounced into a single notification.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	onChange func()
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher starts watching the store's tasks directory. The directory must
// exist; create the run layout before starting the watcher.
func NewWatcher(s *Store, onChange func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(s.TasksDir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch tasks directory: %w", err)
	}

	w := &Watcher{
		watcher:  fsw,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("task watcher error", "error", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			w.onChange()
		}
	}
}

// relevant filters out temp files and quarantine renames; only settled task
// records should wake the scheduler.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	name := ev.Name
	if strings.Contains(name, "/.tmp-") || strings.HasSuffix(name, CorruptSuffix) {
		return false
	}
	return strings.HasSuffix(name, ".json")
}
