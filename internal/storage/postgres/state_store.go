// Package postgres provides Postgres-backed persistence for queue state and
// extraction results.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	StateTable      string        `mapstructure:"state_table"`
	ResultsTable    string        `mapstructure:"results_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// StateStore implements queue.StateStore and queue.ResultStore. The state
// table holds a single row keyed by id = 1.
type StateStore struct {
	pool         pool
	stateTable   string
	resultsTable string
}

// NewStateStore connects to Postgres using the provided config.
func NewStateStore(ctx context.Context, cfg Config) (*StateStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("state.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewStateStoreWithPool(p, cfg.StateTable, cfg.ResultsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewStateStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStateStoreWithPool(p pool, stateTable, resultsTable string) (*StateStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if stateTable == "" {
		stateTable = "queue_state"
	}
	if resultsTable == "" {
		resultsTable = "queue_results"
	}
	for _, table := range []string{stateTable, resultsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &StateStore{pool: p, stateTable: stateTable, resultsTable: resultsTable}, nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when missing.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SMALLINT PRIMARY KEY,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.stateTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	target TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.resultsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Load reads the queue document.
func (s *StateStore) Load(ctx context.Context) (queue.QueueState, error) {
	var payload []byte
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = 1`, s.stateTable)
	if err := s.pool.QueryRow(ctx, query).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.QueueState{}, queue.ErrNotFound
		}
		return queue.QueueState{}, fmt.Errorf("select queue state: %w", err)
	}
	var state queue.QueueState
	if err := json.Unmarshal(payload, &state); err != nil {
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
	query := fmt.Sprintf(`
INSERT INTO %s (id, payload, updated_at) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.stateTable)
	if _, err := s.pool.Exec(ctx, query, payload, state.UpdatedAt); err != nil {
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
	query := fmt.Sprintf(`
INSERT INTO %s (target, payload, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (target) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`, s.resultsTable)
	if _, err := s.pool.Exec(ctx, query, result.Target, payload, result.ExtractedAt); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult fetches the record for target.
func (s *StateStore) GetResult(ctx context.Context, target string) (queue.Result, error) {
	var payload []byte
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE target = $1`, s.resultsTable)
	if err := s.pool.QueryRow(ctx, query, target).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Result{}, queue.ErrNotFound
		}
		return queue.Result{}, fmt.Errorf("select result: %w", err)
	}
	var result queue.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return queue.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

// ListResults returns every record ordered by target.
func (s *StateStore) ListResults(ctx context.Context) ([]queue.Result, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY target`, s.resultsTable)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()

	var out []queue.Result
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var result queue.Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}
