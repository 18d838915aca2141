package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/medtext/deid/internal/entity"
)

// Store persists job state so historical jobs stay visible across
// restarts. Implementations must be safe for concurrent use: each job's
// record is written by exactly one goroutine, but reads can come from any
// status-polling request.
type Store interface {
	Save(ctx context.Context, state entity.JobState) error
	Get(ctx context.Context, jobID string) (entity.JobState, error)
	List(ctx context.Context) ([]entity.JobState, error)
	Close() error
}

// MemoryStore keeps job state in process memory. Used for tests and
// single-node runs without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]entity.JobState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]entity.JobState)}
}

func (s *MemoryStore) Save(_ context.Context, state entity.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[state.JobID] = cloneState(state)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (entity.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.jobs[jobID]
	if !ok {
		return entity.JobState{}, entity.ErrJobNotFound
	}
	return cloneState(state), nil
}

func (s *MemoryStore) List(_ context.Context) ([]entity.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]entity.JobState, 0, len(s.jobs))
	for _, state := range s.jobs {
		states = append(states, cloneState(state))
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, nil
}

func (s *MemoryStore) Close() error { return nil }

// cloneState copies the state so callers never share slices or pointers
// with the stored record.
func cloneState(state entity.JobState) entity.JobState {
	out := state
	out.DocumentIDs = append([]string(nil), state.DocumentIDs...)
	if state.RemainingSeconds != nil {
		remaining := *state.RemainingSeconds
		out.RemainingSeconds = &remaining
	}
	if state.StartedAt != nil {
		started := *state.StartedAt
		out.StartedAt = &started
	}
	if state.CompletedAt != nil {
		completed := *state.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
