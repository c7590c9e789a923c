package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// DefaultMaxResults caps how many result records the store keeps.
const DefaultMaxResults = 500

// StateStore keeps the queue document and extraction results in-memory. It
// survives engine restarts within one process, which is what tests and
// single-binary development runs need.
type StateStore struct {
	mu         sync.RWMutex
	state      *queue.QueueState
	results    map[string]queue.Result
	order      []string
	maxResults int
}

// NewStateStore constructs a StateStore. maxResults <= 0 selects
// DefaultMaxResults; the oldest targets are evicted first.
func NewStateStore(maxResults int) *StateStore {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &StateStore{
		results:    make(map[string]queue.Result),
		maxResults: maxResults,
	}
}

// Load returns a copy of the saved queue state.
func (s *StateStore) Load(_ context.Context) (queue.QueueState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return queue.QueueState{}, queue.ErrNotFound
	}
	return s.state.Clone(), nil
}

// Save overwrites the queue state.
func (s *StateStore) Save(_ context.Context, state queue.QueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := state.Clone()
	s.state = &clone
	return nil
}

// PutResult replaces the record for result.Target.
func (s *StateStore) PutResult(_ context.Context, result queue.Result) error {
	if result.Target == "" {
		return fmt.Errorf("result target is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[result.Target]; !ok {
		s.order = append(s.order, result.Target)
	}
	s.results[result.Target] = result
	for len(s.order) > s.maxResults {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// GetResult fetches the record for target.
func (s *StateStore) GetResult(_ context.Context, target string) (queue.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[target]
	if !ok {
		return queue.Result{}, queue.ErrNotFound
	}
	return res, nil
}

// ListResults returns all records ordered by target.
func (s *StateStore) ListResults(_ context.Context) ([]queue.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]queue.Result, 0, len(s.results))
	for _, res := range s.results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}
