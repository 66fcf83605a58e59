package executor

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one line in the experiment's events.jsonl. The log is
// advisory: append failures are logged, never fatal, so observability
// can never take down a run.
type Event struct {
	Time      time.Time `json:"ts"`
	Type      string    `json:"type"`
	Tier      string    `json:"tier,omitempty"`
	Subtask   string    `json:"subtask,omitempty"`
	Run       int       `json:"run,omitempty"`
	Status    string    `json:"status,omitempty"`
	FromCache bool      `json:"from_cache,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Total     int       `json:"total,omitempty"`
	Active    int       `json:"active,omitempty"`
	ElapsedS  int       `json:"elapsed_s,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type EventLog struct {
	mu   sync.Mutex
	path string
}

func NewEventLog(path string) *EventLog {
	return &EventLog{path: path}
}

func (l *EventLog) Append(ev Event) {
	if l == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("warning: marshaling event: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		log.Printf("warning: creating event log dir: %v", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("warning: opening event log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("warning: appending event: %v", err)
	}
}
