package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Journal appends events for one instance with a monotonically increasing
// sequence. Every effective state transition is written before it is
// externalized.
type Journal struct {
	store      Store
	instanceID string
	seq        int64
}

// NewJournal creates a journal starting at seq 0.
func NewJournal(store Store, instanceID string) *Journal {
	return &Journal{store: store, instanceID: instanceID}
}

// NewJournalAt resumes a journal after recovery, continuing from seq.
func NewJournalAt(store Store, instanceID string, seq int64) *Journal {
	return &Journal{store: store, instanceID: instanceID, seq: seq}
}

// Append writes one entry and advances the sequence.
func (j *Journal) Append(ctx context.Context, kind EventKind, vertexID string, payload map[string]any) error {
	j.seq++
	ev := &Event{
		InstanceID: j.instanceID,
		Seq:        j.seq,
		Timestamp:  time.Now(),
		Kind:       kind,
		VertexID:   vertexID,
		Payload:    payload,
	}
	if err := j.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("journal append %s: %w", kind, err)
	}
	return nil
}

// AppendVariablesUpdated journals the change between two variable snapshots
// as an RFC 7386 merge patch. Identical snapshots journal nothing.
func (j *Journal) AppendVariablesUpdated(ctx context.Context, before, after map[string]any) error {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}

	patch, err := jsonpatch.CreateMergePatch(beforeJSON, afterJSON)
	if err != nil {
		return fmt.Errorf("diff variables: %w", err)
	}
	if string(patch) == "{}" {
		return nil
	}

	var patchMap map[string]any
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return fmt.Errorf("decode variables patch: %w", err)
	}

	return j.Append(ctx, EventVariablesUpdated, "", map[string]any{"patch": patchMap})
}

// Seq returns the sequence number of the last appended entry.
func (j *Journal) Seq() int64 {
	return j.seq
}

// ApplyVariablesPatch applies a journaled merge patch to a snapshot,
// returning the patched snapshot. Used during replay.
func ApplyVariablesPatch(variables map[string]any, payload map[string]any) (map[string]any, error) {
	patchMap, ok := payload["patch"]
	if !ok {
		return variables, nil
	}
	patchJSON, err := json.Marshal(patchMap)
	if err != nil {
		return nil, fmt.Errorf("encode variables patch: %w", err)
	}
	docJSON, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}
	merged, err := jsonpatch.MergePatch(docJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("apply variables patch: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decode merged variables: %w", err)
	}
	return out, nil
}
