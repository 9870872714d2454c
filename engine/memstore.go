package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
// Production deployments use the Postgres-backed repositories.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*InstanceRecord
	events    map[string][]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*InstanceRecord),
		events:    make(map[string][]*Event),
	}
}

// SaveInstance inserts or replaces an instance snapshot row.
func (s *MemoryStore) SaveInstance(_ context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[rec.ID] = &InstanceRecord{
		ID:        rec.ID,
		ModelPath: rec.ModelPath,
		State:     rec.State,
		Variables: deepCopyVariables(rec.Variables),
	}
	return nil
}

// GetInstance retrieves an instance snapshot row.
func (s *MemoryStore) GetInstance(_ context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &InstanceRecord{
		ID:        rec.ID,
		ModelPath: rec.ModelPath,
		State:     rec.State,
		Variables: deepCopyVariables(rec.Variables),
	}, nil
}

// ListInstancesByState returns snapshot rows in the given state.
func (s *MemoryStore) ListInstancesByState(_ context.Context, state State) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*InstanceRecord
	for _, rec := range s.instances {
		if rec.State == state {
			out = append(out, &InstanceRecord{
				ID:        rec.ID,
				ModelPath: rec.ModelPath,
				State:     rec.State,
				Variables: deepCopyVariables(rec.Variables),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendEvent appends a journal entry.
func (s *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *ev
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], &stored)
	return nil
}

// ListEvents returns the journal of an instance ordered by seq.
func (s *MemoryStore) ListEvents(_ context.Context, instanceID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[instanceID]
	out := make([]*Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
