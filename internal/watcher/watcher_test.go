package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func TestWatcherReportsFileCreation(t *testing.T) {
	dir := t.TempDir()
	rec := &eventRecorder{}

	w, err := New(Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	if err := w.Watch(dir, rec.record); err != nil {
		t.Fatalf("watch: %v", err)
	}

	path := filepath.Join(dir, "ack.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.list()) >= 1 }) {
		t.Fatalf("no event for created file")
	}
	if got := rec.list()[0].Path; got != path {
		t.Fatalf("expected path %s, got %s", path, got)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	rec := &eventRecorder{}

	w, err := New(Options{Debounce: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	if err := w.Watch(dir, rec.record); err != nil {
		t.Fatalf("watch: %v", err)
	}

	path := filepath.Join(dir, "burst.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.list()) >= 1 }) {
		t.Fatalf("no event after burst")
	}
	time.Sleep(250 * time.Millisecond)
	if got := len(rec.list()); got != 1 {
		t.Fatalf("expected one debounced event, got %d", got)
	}
}

func TestWatcherSeparatePathsDoNotCoalesce(t *testing.T) {
	dir := t.TempDir()
	rec := &eventRecorder{}

	w, err := New(Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	if err := w.Watch(dir, rec.record); err != nil {
		t.Fatalf("watch: %v", err)
	}

	for _, name := range []string{"a.json", "b.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.list()) >= 2 }) {
		t.Fatalf("expected events for both files, got %+v", rec.list())
	}
}

func TestWatcherCloseStopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	rec := &eventRecorder{}

	w, err := New(Options{Debounce: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Watch(dir, rec.record); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := len(rec.list()); got != 0 {
		t.Fatalf("callbacks fired after close: %d", got)
	}
}

func TestWatcherRejectsWatchAfterClose(t *testing.T) {
	w, err := New(Options{})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	_ = w.Close()
	if err := w.Watch(t.TempDir(), func(Event) {}); err == nil {
		t.Fatalf("expected error watching after close")
	}
}
