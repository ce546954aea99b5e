// Package events provides the append-only JSONL event log with
// content-hashed idempotent writes.
package events

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"live_agent/internal/core"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Recognized event names.
const (
	EventFill               = "Fill"
	EventExit               = "Exit"
	EventWatchdogExit       = "WatchdogExit"
	EventAsyncHeartbeat     = "AsyncHeartbeat"
	EventSessionStopped     = "SessionStopped"
	EventCheckpointError    = "CheckpointError"
	EventExecutionTaskError = "ExecutionTaskError"
	EventFunding            = "Funding"
)

const defaultSeenCapacity = 4096

// Log appends one JSON object per line to events.jsonl. Each record gets
// an event_id hashed from its payload (timestamp excluded); a bounded LRU
// of ids suppresses duplicate appends.
type Log struct {
	path   string
	logger core.ILogger

	mu       sync.Mutex
	file     *os.File
	seen     map[string]int64 // event_id -> insertion sequence
	seq      int64
	capacity int

	now func() time.Time
}

// NewLog opens (creating if needed) the event log at <dir>/events.jsonl.
func NewLog(dir string, logger core.ILogger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events dir: %w", err)
	}

	path := filepath.Join(dir, "events.jsonl")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &Log{
		path:     path,
		logger:   logger.WithField("component", "event_log"),
		file:     file,
		seen:     make(map[string]int64),
		capacity: defaultSeenCapacity,
		now:      time.Now,
	}, nil
}

// Append writes one event. Payload keys are merged into the record next
// to event, timestamp, and event_id. Duplicate events (same name and
// payload) are dropped.
func (l *Log) Append(event string, payload map[string]interface{}) error {
	id := EventID(event, payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[id]; dup {
		return nil
	}
	l.remember(id)

	record := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		record[k] = v
	}
	record["event"] = event
	record["timestamp"] = l.now().UTC().Format("2006-01-02T15:04:05.000Z")
	record["event_id"] = id

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event, err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event %s: %w", event, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	return nil
}

// remember inserts an id, evicting the oldest half when capacity is hit.
func (l *Log) remember(id string) {
	if len(l.seen) >= l.capacity {
		seqs := make([]int64, 0, len(l.seen))
		for _, s := range l.seen {
			seqs = append(seqs, s)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		cutoff := seqs[len(seqs)/2]
		for k, s := range l.seen {
			if s < cutoff {
				delete(l.seen, k)
			}
		}
	}
	l.seq++
	l.seen[id] = l.seq
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// EventID computes the hex md5 of the event name and payload, excluding
// any timestamp, so identical events hash identically across retries.
func EventID(event string, payload map[string]interface{}) string {
	hashed := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		if k == "timestamp" {
			continue
		}
		hashed[k] = v
	}
	hashed["event"] = event

	// json.Marshal sorts map keys, giving a stable byte form
	raw, err := json.Marshal(hashed)
	if err != nil {
		raw = []byte(event)
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}
