package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/bpmn-engine/common/db"
	"github.com/lyzr/bpmn-engine/engine"
)

// EventRepository handles database operations for the journal
type EventRepository struct {
	db *db.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(database *db.DB) *EventRepository {
	return &EventRepository{db: database}
}

// Append inserts a journal entry
func (r *EventRepository) Append(ctx context.Context, ev *engine.Event) error {
	var payloadJSON []byte
	if ev.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
	}

	query := `
		INSERT INTO events (instance_id, seq, ts, kind, vertex_id, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := r.db.Exec(ctx, query, ev.InstanceID, ev.Seq, ev.Timestamp, string(ev.Kind), ev.VertexID, payloadJSON); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListByInstance retrieves the journal of one instance ordered by seq
func (r *EventRepository) ListByInstance(ctx context.Context, instanceID string) ([]*engine.Event, error) {
	query := `
		SELECT instance_id, seq, ts, kind, vertex_id, payload_json
		FROM events
		WHERE instance_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*engine.Event
	for rows.Next() {
		ev := &engine.Event{}
		var kind string
		var vertexID *string
		var payloadJSON []byte

		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &ev.Timestamp, &kind, &vertexID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Kind = engine.EventKind(kind)
		if vertexID != nil {
			ev.VertexID = *vertexID
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
