// Package watcher wraps fsnotify with per-path debouncing. Editors and
// ack writers tend to fire several events per logical change; callbacks
// see one.
package watcher

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"courier/internal/logging"
)

const defaultDebounce = 100 * time.Millisecond

type Event struct {
	Path       string
	Operation  string
	OccurredAt time.Time
}

type Options struct {
	Debounce time.Duration
	Logger   *logging.Logger
}

type Watcher struct {
	fs        *fsnotify.Watcher
	logger    *logging.Logger
	debouncer *debouncer

	mu        sync.Mutex
	callbacks map[string][]func(Event)
	closed    bool

	done chan struct{}
}

func New(options Options) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		fs:        fs,
		logger:    logger,
		callbacks: make(map[string][]func(Event)),
		done:      make(chan struct{}),
	}
	w.debouncer = newDebouncer(debounce, w.flush)

	go w.run()
	return w, nil
}

// Watch registers a callback for changes under dir. Callbacks receive
// the changed file's path, debounced per path.
func (w *Watcher) Watch(dir string, callback func(Event)) error {
	if w == nil || callback == nil {
		return nil
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("watcher closed")
	}
	existing := len(w.callbacks[dir])
	w.callbacks[dir] = append(w.callbacks[dir], callback)
	w.mu.Unlock()

	if existing > 0 {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.debouncer.stop()
	return w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case fsEvent, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if fsEvent.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.debouncer.schedule(fsEvent.Name, Event{
				Path:       fsEvent.Name,
				Operation:  strings.ToLower(fsEvent.Op.String()),
				OccurredAt: time.Now().UTC(),
			})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", map[string]string{"error": err.Error()})
		}
	}
}

func (w *Watcher) flush(event Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var callbacks []func(Event)
	for dir, registered := range w.callbacks {
		if strings.HasPrefix(event.Path, strings.TrimRight(dir, "/")+"/") || event.Path == dir {
			callbacks = append(callbacks, registered...)
		}
	}
	w.mu.Unlock()

	for _, callback := range callbacks {
		callback(event)
	}
}
