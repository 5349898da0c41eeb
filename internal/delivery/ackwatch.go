package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"courier/internal/logging"
	"courier/internal/watcher"
)

// AckFile is the sidecar ack format: agents that cooperate drop
// {"delivery_id": "...", "status": "received"} files into the acks
// directory. Cooperation is additive; nothing requires it.
type AckFile struct {
	DeliveryID string `json:"delivery_id"`
	Status     string `json:"status"`
}

const ackStatusReceived = "received"

// AckWatcher turns ack files into file-ack signals.
type AckWatcher struct {
	dir     string
	watcher *watcher.Watcher
	log     *logging.Logger
	sink    func(Signal)
}

// NewAckWatcher watches dir for ack files and forwards signals to sink.
// Files already present at startup are replayed once.
func NewAckWatcher(dir string, log *logging.Logger, sink func(Signal)) (*AckWatcher, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("ack directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ack directory: %w", err)
	}
	if log == nil {
		log = logging.NewLoggerWithOutput(nil, logging.LevelInfo, nil)
	}

	w, err := watcher.New(watcher.Options{Logger: log})
	if err != nil {
		return nil, err
	}

	a := &AckWatcher{dir: dir, watcher: w, log: log, sink: sink}
	if err := w.Watch(dir, a.onChange); err != nil {
		_ = w.Close()
		return nil, err
	}
	a.scanExisting()
	return a, nil
}

func (a *AckWatcher) Close() error {
	if a == nil {
		return nil
	}
	return a.watcher.Close()
}

func (a *AckWatcher) onChange(event watcher.Event) {
	a.consume(event.Path)
}

func (a *AckWatcher) scanExisting() {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.log.Warn("scan ack directory", map[string]string{"error": err.Error()})
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		a.consume(filepath.Join(a.dir, entry.Name()))
	}
}

// consume parses one ack file and emits the signal. Malformed files are
// logged and skipped, never fatal.
func (a *AckWatcher) consume(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.Warn("read ack file", map[string]string{"path": path, "error": err.Error()})
		}
		return
	}

	var ack AckFile
	if err := json.Unmarshal(payload, &ack); err != nil {
		a.log.Warn("malformed ack file", map[string]string{"path": path, "error": err.Error()})
		return
	}
	if ack.DeliveryID == "" || ack.Status != ackStatusReceived {
		return
	}

	if a.sink != nil {
		a.sink(Signal{
			DeliveryID: ack.DeliveryID,
			Method:     "file",
			Confidence: ConfidenceFileAcked,
			At:         time.Now().UTC(),
		})
	}
	// Consumed acks are removed so restarts do not replay them.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.log.Debug("remove ack file", map[string]string{"path": path, "error": err.Error()})
	}
}
