package term

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"
)

// scriptedPty is an in-memory Pty: tests emit child output and inspect
// writes.
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

func (p *scriptedPty) Resize(cols, rows uint16) error {
	return nil
}

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

func (f scriptedFactory) Start(command string, args ...string) (Pty, *exec.Cmd, error) {
	return f.pty, nil, nil
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
