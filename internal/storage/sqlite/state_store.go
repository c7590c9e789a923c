// Package sqlite persists queue state and extraction results in a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	target TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// Config captures the database file location.
type Config struct {
	Path string `mapstructure:"path"`
}

// StateStore implements queue.StateStore and queue.ResultStore.
type StateStore struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg Config) (*StateStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps writes serialized without SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Close closes the database.
func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads the queue document.
func (s *StateStore) Load(ctx context.Context) (queue.QueueState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM queue_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.QueueState{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.QueueState{}, fmt.Errorf("select queue state: %w", err)
	}
	var state queue.QueueState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return queue.QueueState{}, fmt.Errorf("decode queue state: %w", err)
	}
	return state, nil
}

// Save overwrites the queue document.
func (s *StateStore) Save(ctx context.Context, state queue.QueueState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_state (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert queue state: %w", err)
	}
	return nil
}

// PutResult replaces the record keyed by target.
func (s *StateStore) PutResult(ctx context.Context, result queue.Result) error {
	if result.Target == "" {
		return fmt.Errorf("result target is required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (target, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(target) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		result.Target, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult fetches the record for target.
func (s *StateStore) GetResult(ctx context.Context, target string) (queue.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE target = ?`, target).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Result{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Result{}, fmt.Errorf("select result: %w", err)
	}
	var result queue.Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return queue.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// ListResults returns every record ordered by target.
func (s *StateStore) ListResults(ctx context.Context) ([]queue.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM results ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []queue.Result
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var result queue.Result
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}
