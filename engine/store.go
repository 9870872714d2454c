package engine

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown instances.
var ErrNotFound = errors.New("not found")

// State is the lifecycle state of an instance.
type State string

const (
	StateRunning  State = "running"
	StateWaiting  State = "waiting"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// EventKind tags a journal entry.
type EventKind string

const (
	EventInstanceCreated  EventKind = "instance_created"
	EventEntered          EventKind = "entered"
	EventCompleted        EventKind = "completed"
	EventMessageReceived  EventKind = "message_received"
	EventVariablesUpdated EventKind = "variables_updated"
	EventTerminated       EventKind = "terminated"
)

// Event is one journal entry. The journal is append-only and totally
// ordered per instance by Seq.
type Event struct {
	InstanceID string
	Seq        int64
	Timestamp  time.Time
	Kind       EventKind
	VertexID   string
	Payload    map[string]any
}

// InstanceRecord is the persisted snapshot row of an instance.
// Variables always holds the latest snapshot; replay only needs the journal
// to rebuild the token set.
type InstanceRecord struct {
	ID        string
	ModelPath string
	State     State
	Variables map[string]any
}

// Store persists instance snapshots and the per-instance journal.
// Implementations must serialize writes per instance; the scheduler issues
// them from a single goroutine.
type Store interface {
	SaveInstance(ctx context.Context, rec *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	ListInstancesByState(ctx context.Context, state State) ([]*InstanceRecord, error)
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, instanceID string) ([]*Event, error)
}
