// Package journal persists position lifecycle events as JSON files for audit
// and offline analysis. It is append-only and best-effort: journal failures
// never affect trading.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"perparb/pkg/position"
)

// Event captures one position stage transition.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	PositionID string         `json:"position_id"`
	FromStage  position.Stage `json:"from_stage"`
	ToStage    position.Stage `json:"to_stage"`
	Reason     string         `json:"reason,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Writer persists events to a directory as JSON files.
type Writer struct {
	mu    sync.Mutex
	dir   string
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "journal"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Writer{dir: dir, nowFn: time.Now}
}

// Write appends one event to the journal.
func (w *Writer) Write(event *Event) (string, error) {
	if event == nil {
		return "", fmt.Errorf("journal: nil event")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = w.nowFn().UTC()
	}
	w.seq++
	name := fmt.Sprintf("event_%s_%05d.json", event.Timestamp.UTC().Format("20060102_150405"), w.seq)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// StageChanged implements the executor's event sink.
func (w *Writer) StageChanged(positionID string, from, to position.Stage, reason string) {
	if _, err := w.Write(&Event{
		PositionID: positionID,
		FromStage:  from,
		ToStage:    to,
		Reason:     reason,
	}); err != nil {
		logx.Errorf("journal: write event for %s: %v", positionID, err)
	}
}
