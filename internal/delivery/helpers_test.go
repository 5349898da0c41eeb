package delivery

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"courier/internal/event"
	"courier/internal/term"
)

type scriptedPty struct {
	mu      sync.Mutex
	writes  [][]byte
	readCh  chan []byte
	done    chan struct{}
	once    sync.Once
	failAll bool
}

func newScriptedPty() *scriptedPty {
	return &scriptedPty{
		readCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (p *scriptedPty) Read(data []byte) (int, error) {
	select {
	case chunk := <-p.readCh:
		return copy(data, chunk), nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *scriptedPty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return 0, errors.New("pty write failed")
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	p.writes = append(p.writes, chunk)
	return len(data), nil
}

func (p *scriptedPty) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *scriptedPty) Resize(cols, rows uint16) error { return nil }

func (p *scriptedPty) Emit(s string) {
	p.readCh <- []byte(s)
}

func (p *scriptedPty) FailWrites() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = true
}

func (p *scriptedPty) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

type scriptedFactory struct {
	pty *scriptedPty
}

func (f scriptedFactory) Start(command string, args ...string) (term.Pty, *exec.Cmd, error) {
	return f.pty, nil, nil
}

type testHarness struct {
	pty    *scriptedPty
	ctrl   *term.Controller
	bus    *event.Bus[Event]
	pipe   *Pipeline
	events <-chan Event
}

func newTestHarness(t *testing.T, mutate func(*PipelineOptions)) *testHarness {
	t.Helper()

	pty := newScriptedPty()
	ctrl, err := term.Start(scriptedFactory{pty: pty}, "bob", "agent", nil, term.ControllerOptions{
		QuietPeriod: 10 * time.Millisecond,
		Cooldown:    60 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	bus := event.NewBus[Event](context.Background(), event.BusOptions{Name: "test_delivery_events"})
	events, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	opts := PipelineOptions{
		Session:        "bob",
		CoalesceWindow: 25 * time.Millisecond,
		CoalesceMax:    100 * time.Millisecond,
		VerifyTimeout:  250 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	pipe := NewPipeline(context.Background(), ctrl, bus, opts)
	t.Cleanup(pipe.Close)

	return &testHarness{pty: pty, ctrl: ctrl, bus: bus, pipe: pipe, events: events}
}

func testMessage(id, from, body string, priority Priority) Message {
	return Message{
		ID:         id,
		From:       from,
		To:         "bob",
		Body:       body,
		Priority:   priority,
		ReceivedAt: time.Now().UTC(),
	}
}

// awaitEvent reads events until one of wantType arrives, failing the
// test if a rejected type shows up first or the timeout passes.
func awaitEvent(t *testing.T, events <-chan Event, wantType string, timeout time.Duration, reject ...string) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-events:
			if evt.EventType == wantType {
				return evt
			}
			for _, r := range reject {
				if evt.EventType == r {
					t.Fatalf("unexpected %s event while waiting for %s: %+v", r, wantType, evt)
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wantType)
		}
	}
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
