package buffer

import "sync"

// ByteWindow is a fixed-capacity byte ring that tracks absolute stream
// offsets, so a reader can tell whether bytes written at a given point
// have since been overwritten.
type ByteWindow struct {
	mu    sync.Mutex
	data  []byte
	start int
	count int
	total int64
}

func NewByteWindow(size int) *ByteWindow {
	if size <= 0 {
		size = 1
	}
	return &ByteWindow{data: make([]byte, size)}
}

func (w *ByteWindow) Write(p []byte) {
	if w == nil || len(p) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.total += int64(len(p))
	if len(p) >= len(w.data) {
		copy(w.data, p[len(p)-len(w.data):])
		w.start = 0
		w.count = len(w.data)
		return
	}

	for _, b := range p {
		if w.count < len(w.data) {
			w.data[(w.start+w.count)%len(w.data)] = b
			w.count++
			continue
		}
		w.data[w.start] = b
		w.start = (w.start + 1) % len(w.data)
	}
}

// Bytes returns the retained bytes, oldest first.
func (w *ByteWindow) Bytes() []byte {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 {
		return nil
	}
	out := make([]byte, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.data[(w.start+i)%len(w.data)]
	}
	return out
}

// StartOffset is the absolute stream offset of the oldest retained byte.
func (w *ByteWindow) StartOffset() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total - int64(w.count)
}

// EndOffset is the absolute stream offset one past the newest byte.
func (w *ByteWindow) EndOffset() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
