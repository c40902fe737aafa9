package snapshot

import (
	"context"
	"sync"

	"github.com/avorel/ensemble/pkg/api"
)

// MemoryStore is a simple, goroutine-safe Store backed by a map. Snapshots
// are copied through the codec on both paths so callers cannot mutate
// stored state.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(_ context.Context, snap *api.SuspendedState) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps[snap.RunID] = data
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID string) (*api.SuspendedState, error) {
	s.mu.RLock()
	data, ok := s.snaps[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return decodeSnapshot(data)
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*api.SuspendedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.SuspendedState
	for _, data := range s.snaps {
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if filter.Ensemble != "" && snap.Ensemble != filter.Ensemble {
			continue
		}
		result = append(result, snap)
	}
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snaps, runID)
	return nil
}
