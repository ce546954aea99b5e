// Package state provides crash-safe persistence for session-scoped state.
package state

import (
	"encoding/json"
	"fmt"
	"live_agent/internal/core"
	"os"
	"path/filepath"
	"sync"
)

// Manager is a single-file atomic JSON snapshot store. Mutations are
// in-memory; durability happens only at Save. The tmp-write + rename
// sequence is the only atomic boundary exposed to crash recovery.
type Manager struct {
	path   string
	logger core.ILogger

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// NewManager creates a manager for the given file path and loads any
// existing snapshot. Corrupt files are moved aside to <file>.corrupt and
// the manager starts empty; corruption never fails construction.
func NewManager(path string, logger core.ILogger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logger.WithField("component", "state_manager"),
		data:   make(map[string]json.RawMessage),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	m.load()
	return m, nil
}

func (m *Manager) load() {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Failed to read state file, starting empty", "path", m.path, "error", err)
		}
		return
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		corrupt := m.path + ".corrupt"
		if renameErr := os.Rename(m.path, corrupt); renameErr != nil {
			m.logger.Error("Failed to quarantine corrupt state file", "path", m.path, "error", renameErr)
		}
		m.logger.Error("State file is corrupt, starting empty", "path", m.path, "moved_to", corrupt, "error", err)
		return
	}

	m.data = data
}

// Get unmarshals the value stored under key into out. Returns false when
// the key is absent or the stored value does not decode.
func (m *Manager) Get(key string, out interface{}) bool {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		m.logger.Warn("Stored value does not decode", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores a value under key in memory. Call Save to persist.
func (m *Manager) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %q: %w", key, err)
	}

	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

// Delete removes a key from the in-memory snapshot.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
}

// Save writes the snapshot to <file>.tmp, fsyncs, and renames it over the
// target. A crash at any point leaves either the previous complete file
// or the previous file plus a stray tmp that the loader ignores. The lock
// is held across the write and rename so concurrent saves cannot
// interleave on the shared tmp file.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open tmp state file: %w", err)
	}

	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write tmp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync tmp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close tmp state file: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (m *Manager) Path() string {
	return m.path
}
