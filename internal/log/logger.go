// Package log appends structured run events to a JSONL file.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event type constants.
const (
	EventRunOpened        = "run_opened"
	EventRunStarted       = "run_started"
	EventStepCompleted    = "step_completed"
	EventRunPaused        = "run_paused"
	EventRunResumed       = "run_resumed"
	EventRunStopped       = "run_stopped"
	EventRunFinished      = "run_finished"
	EventSessionResumed   = "session_resumed"
	EventSessionDiscarded = "session_discarded"
	EventSyncFailed       = "sync_failed"
	EventAlertUnsupported = "alert_unsupported"
	EventAlertFailed      = "alert_failed"
	EventCircuitImported  = "circuit_imported"
	EventDefinitionLog    = "definition_log"
)

// LogEvent is a single line in the event log.
type LogEvent struct {
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	CircuitID int64          `json:"circuit_id,omitempty"`
	Step      int            `json:"step,omitempty"`
	Task      string         `json:"task,omitempty"`
	Remaining int            `json:"remaining,omitempty"`
	Op        string         `json:"op,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger writes append-only JSONL events. A nil *Logger discards events.
type Logger struct {
	path string
	mu   sync.Mutex
}

const fileName = "events.jsonl"

// NewLogger creates a Logger writing to events.jsonl inside dir,
// creating dir if needed. An existing log is never truncated.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &Logger{path: filepath.Join(dir, fileName)}, nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes event as one JSON line. A zero Time is set to now (UTC).
func (l *Logger) Append(event LogEvent) error {
	if l == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	// Encode issues a single write per event, newline included.
	if err := json.NewEncoder(f).Encode(event); err != nil {
		f.Close()
		return fmt.Errorf("write log event: %w", err)
	}
	return f.Close()
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	CircuitID int64
	Event     string
	// Last keeps only the newest n matches.
	Last int
}

func (f Filter) match(e LogEvent) bool {
	if f.CircuitID != 0 && e.CircuitID != f.CircuitID {
		return false
	}
	return f.Event == "" || e.Event == f.Event
}

// Query returns the logged events matching f, oldest first. A missing file
// yields no events.
func (l *Logger) Query(f Filter) ([]LogEvent, error) {
	if l == nil {
		return nil, nil
	}
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	var events []LogEvent
	dec := json.NewDecoder(bufio.NewReader(file))
	for n := 1; ; n++ {
		var e LogEvent
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", n, err)
		}
		if !f.match(e) {
			continue
		}
		events = append(events, e)
		if f.Last > 0 && len(events) > f.Last {
			events = events[1:]
		}
	}
	return events, nil
}

// String renders e as one human-readable line.
func (e LogEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-18s", e.Time.Local().Format("2006-01-02 15:04:05"), e.Event)
	if e.CircuitID != 0 {
		fmt.Fprintf(&b, " circuit=%d", e.CircuitID)
	}
	if e.Task != "" {
		fmt.Fprintf(&b, " step=%d task=%q", e.Step+1, e.Task)
	}
	if e.Remaining != 0 {
		fmt.Fprintf(&b, " remaining=%ds", e.Remaining)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " op=%s", e.Op)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, " error=%q", e.Error)
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	return b.String()
}
