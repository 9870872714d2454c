package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/bpmn-engine/common/db"
	"github.com/lyzr/bpmn-engine/engine"
)

// InstanceRepository handles database operations for instance snapshots
type InstanceRepository struct {
	db *db.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(database *db.DB) *InstanceRepository {
	return &InstanceRepository{db: database}
}

// Save inserts or updates an instance snapshot row
func (r *InstanceRepository) Save(ctx context.Context, rec *engine.InstanceRecord) error {
	variablesJSON, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	query := `
		INSERT INTO instances (id, model_path, state, variables_json, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET model_path = EXCLUDED.model_path,
		    state = EXCLUDED.state,
		    variables_json = EXCLUDED.variables_json,
		    updated_at = now()
	`

	if _, err := r.db.Exec(ctx, query, rec.ID, rec.ModelPath, string(rec.State), variablesJSON); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// Get retrieves an instance snapshot row by id
func (r *InstanceRepository) Get(ctx context.Context, id string) (*engine.InstanceRecord, error) {
	query := `
		SELECT id, model_path, state, variables_json
		FROM instances
		WHERE id = $1
	`

	rec, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, engine.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return rec, nil
}

// ListByState retrieves all instance snapshot rows in the given state
func (r *InstanceRepository) ListByState(ctx context.Context, state engine.State) ([]*engine.InstanceRecord, error) {
	query := `
		SELECT id, model_path, state, variables_json
		FROM instances
		WHERE state = $1
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var records []*engine.InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*engine.InstanceRecord, error) {
	rec := &engine.InstanceRecord{}
	var state string
	var variablesJSON []byte

	if err := row.Scan(&rec.ID, &rec.ModelPath, &state, &variablesJSON); err != nil {
		return nil, err
	}

	rec.State = engine.State(state)
	rec.Variables = make(map[string]any)
	if len(variablesJSON) > 0 {
		if err := json.Unmarshal(variablesJSON, &rec.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables: %w", err)
		}
	}
	return rec, nil
}
