// Package badger persists queue state and extraction results in an embedded
// Badger database via badgerhold.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/timshannon/badgerhold/v4"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

const stateKey = "queue-state"

// Config captures the on-disk location of the database.
type Config struct {
	Path string `mapstructure:"path"`
}

// StateStore implements queue.StateStore and queue.ResultStore.
type StateStore struct {
	store *badgerhold.Store
}

// Open creates the directory if needed and opens the database.
func Open(cfg Config) (*StateStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("create badger directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil
	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &StateStore{store: store}, nil
}

// Close releases the database.
func (s *StateStore) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}

// Load reads the queue document.
func (s *StateStore) Load(_ context.Context) (queue.QueueState, error) {
	var state queue.QueueState
	if err := s.store.Get(stateKey, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return queue.QueueState{}, queue.ErrNotFound
		}
		return queue.QueueState{}, fmt.Errorf("get queue state: %w", err)
	}
	if state.Slots == nil {
		state.Slots = map[queue.SlotID]queue.SlotState{}
	}
	return state, nil
}

// Save overwrites the queue document.
func (s *StateStore) Save(_ context.Context, state queue.QueueState) error {
	if err := s.store.Upsert(stateKey, state); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}
	return nil
}

// PutResult upserts the record keyed by target.
func (s *StateStore) PutResult(_ context.Context, result queue.Result) error {
	if result.Target == "" {
		return fmt.Errorf("result target is required")
	}
	if err := s.store.Upsert(result.Target, result); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// GetResult fetches the record for target.
func (s *StateStore) GetResult(_ context.Context, target string) (queue.Result, error) {
	var result queue.Result
	if err := s.store.Get(target, &result); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return queue.Result{}, queue.ErrNotFound
		}
		return queue.Result{}, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// ListResults returns every record ordered by target.
func (s *StateStore) ListResults(_ context.Context) ([]queue.Result, error) {
	var results []queue.Result
	if err := s.store.Find(&results, badgerhold.Where("Target").Ne("").SortBy("Target")); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}
