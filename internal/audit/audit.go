// Package audit appends one JSON line per scan to a local audit file. Events
// carry the text hash, never the text; free-form fields pass through the
// redactor before they are written.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/promptwall/promptwall/internal/redact"
)

// Event is one audit record.
type Event struct {
	Timestamp  string   `json:"timestamp"`
	ScanID     string   `json:"scan_id"`
	TextHash   string   `json:"text_hash"`
	Outcome    string   `json:"outcome"`
	Action     string   `json:"action"`
	Severity   string   `json:"severity"`
	RuleIDs    []string `json:"triggered_rules,omitempty"`
	L2Decision string   `json:"l2_decision,omitempty"`
	DurationMs float64  `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// Logger writes events to an append-only JSONL file.
type Logger struct {
	file *os.File
	mu   sync.Mutex
}

// New opens (or creates) the audit file at path.
func New(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &Logger{file: file}, nil
}

// Log appends one event. Safe for concurrent use.
func (l *Logger) Log(event Event) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if event.Error != "" {
		event.Error = redact.Redact(event.Error)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.file.Write(data)
	return err
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
