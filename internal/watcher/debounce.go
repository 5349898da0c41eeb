package watcher

import (
	"sync"
	"time"
)

type debounceEntry struct {
	timer *time.Timer
	event Event
}

// debouncer collapses bursts of events per path into one flush after a
// quiet period.
type debouncer struct {
	mu       sync.Mutex
	duration time.Duration
	entries  map[string]*debounceEntry
	flush    func(Event)
	stopped  bool
}

func newDebouncer(duration time.Duration, flush func(Event)) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]*debounceEntry),
		flush:    flush,
	}
}

func (d *debouncer) schedule(path string, event Event) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	entry := d.entries[path]
	if entry == nil {
		entry = &debounceEntry{}
		d.entries[path] = entry
	}
	entry.event = event
	if entry.timer == nil {
		entry.timer = time.AfterFunc(d.duration, func() {
			d.fire(path)
		})
		return
	}
	entry.timer.Reset(d.duration)
}

func (d *debouncer) fire(path string) {
	d.mu.Lock()
	entry := d.entries[path]
	if entry == nil || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.entries, path)
	event := entry.event
	flush := d.flush
	d.mu.Unlock()

	if flush != nil {
		flush(event)
	}
}

func (d *debouncer) stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.entries, path)
	}
}
