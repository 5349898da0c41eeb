package term

import (
	"courier/internal/buffer"
)

// DefaultEchoWindowSize bounds how much stripped output is retained for
// echo matching.
const DefaultEchoWindowSize = 64 * 1024

// EchoWindow keeps a bounded window of ANSI-stripped child output.
// Write offsets are absolute, so a matcher can tell when the bytes it
// was looking for have been evicted by heavy output.
type EchoWindow struct {
	stripper *AnsiStripper
	window   *buffer.ByteWindow
}

func NewEchoWindow(size int) *EchoWindow {
	if size <= 0 {
		size = DefaultEchoWindowSize
	}
	return &EchoWindow{
		stripper: NewAnsiStripper(),
		window:   buffer.NewByteWindow(size),
	}
}

// Observe strips raw terminal output and appends it to the window.
// Only the controller's read loop calls this.
func (w *EchoWindow) Observe(raw []byte) {
	if w == nil {
		return
	}
	stripped := w.stripper.Strip(raw)
	if len(stripped) == 0 {
		return
	}
	w.window.Write(stripped)
}

func (w *EchoWindow) Snapshot() []byte {
	if w == nil {
		return nil
	}
	return w.window.Bytes()
}

func (w *EchoWindow) StartOffset() int64 {
	if w == nil {
		return 0
	}
	return w.window.StartOffset()
}

func (w *EchoWindow) EndOffset() int64 {
	if w == nil {
		return 0
	}
	return w.window.EndOffset()
}
