package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"live_agent/internal/core"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// HistoryStore is an append-only SQLite audit trail of fills and exits.
// The JSON session state remains authoritative for crash recovery; this
// store backs the final session report and offline analysis.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (and if needed creates) the history database.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trade_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		recorded_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// RecordFill appends a fill to the audit trail.
func (s *HistoryStore) RecordFill(ctx context.Context, fill core.Fill) error {
	return s.record(ctx, "fill", fill)
}

// RecordExit appends an exit to the audit trail.
func (s *HistoryStore) RecordExit(ctx context.Context, exit core.ExitRecord) error {
	return s.record(ctx, "exit", exit)
}

func (s *HistoryStore) record(ctx context.Context, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT INTO trade_events (kind, data, checksum, recorded_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, kind, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write %s to db: %w", kind, err)
	}
	return nil
}

// Fills returns all recorded fills in insertion order, verifying checksums.
func (s *HistoryStore) Fills(ctx context.Context) ([]core.Fill, error) {
	rows, err := s.query(ctx, "fill")
	if err != nil {
		return nil, err
	}

	fills := make([]core.Fill, 0, len(rows))
	for _, raw := range rows {
		var f core.Fill
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// Exits returns all recorded exits in insertion order, verifying checksums.
func (s *HistoryStore) Exits(ctx context.Context) ([]core.ExitRecord, error) {
	rows, err := s.query(ctx, "exit")
	if err != nil {
		return nil, err
	}

	exits := make([]core.ExitRecord, 0, len(rows))
	for _, raw := range rows {
		var e core.ExitRecord
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exit: %w", err)
		}
		exits = append(exits, e)
	}
	return exits, nil
}

func (s *HistoryStore) query(ctx context.Context, kind string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, checksum FROM trade_events WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", kind, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		var storedChecksum []byte
		if err := rows.Scan(&data, &storedChecksum); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		computed := sha256.Sum256([]byte(data))
		if len(storedChecksum) != len(computed) {
			return nil, fmt.Errorf("checksum length mismatch for %s row", kind)
		}
		for i := range computed {
			if storedChecksum[i] != computed[i] {
				return nil, fmt.Errorf("checksum verification failed: data corruption detected")
			}
		}

		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
