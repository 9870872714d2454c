package repository

import (
	"context"

	"github.com/lyzr/bpmn-engine/common/db"
	"github.com/lyzr/bpmn-engine/engine"
)

// Store combines the instance and event repositories into the engine's
// persistence interface.
type Store struct {
	Instances *InstanceRepository
	Events    *EventRepository
}

// NewStore creates the Postgres-backed engine store
func NewStore(database *db.DB) *Store {
	return &Store{
		Instances: NewInstanceRepository(database),
		Events:    NewEventRepository(database),
	}
}

// SaveInstance implements engine.Store
func (s *Store) SaveInstance(ctx context.Context, rec *engine.InstanceRecord) error {
	return s.Instances.Save(ctx, rec)
}

// GetInstance implements engine.Store
func (s *Store) GetInstance(ctx context.Context, id string) (*engine.InstanceRecord, error) {
	return s.Instances.Get(ctx, id)
}

// ListInstancesByState implements engine.Store
func (s *Store) ListInstancesByState(ctx context.Context, state engine.State) ([]*engine.InstanceRecord, error) {
	return s.Instances.ListByState(ctx, state)
}

// AppendEvent implements engine.Store
func (s *Store) AppendEvent(ctx context.Context, ev *engine.Event) error {
	return s.Events.Append(ctx, ev)
}

// ListEvents implements engine.Store
func (s *Store) ListEvents(ctx context.Context, instanceID string) ([]*engine.Event, error) {
	return s.Events.ListByInstance(ctx, instanceID)
}
