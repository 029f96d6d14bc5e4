package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rendis/flowcore/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a RunStore.
type EventLog struct {
	store RunStore
}

// NewEventLog wraps a RunStore.
func NewEventLog(s RunStore) *EventLog {
	return &EventLog{store: s}
}

// Replay rebuilds a run from its full event log. Returns an error if the log
// has sequence gaps or does not start with workflow_started.
func (el *EventLog) Replay(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	events, err := el.store.Events(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, runNotFound(runID)
	}
	return Replay(events)
}

// Verify replays a run and compares the result with the stored snapshot.
// A divergence is reported as INTERNAL_ERROR carrying both versions.
func (el *EventLog) Verify(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	replayed, err := el.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	stored, err := el.store.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	want, err := json.Marshal(schema.SnapshotOf(stored))
	if err != nil {
		return nil, internal("marshal stored snapshot", err)
	}
	got, err := json.Marshal(schema.SnapshotOf(replayed))
	if err != nil {
		return nil, internal("marshal replayed snapshot", err)
	}
	if !bytes.Equal(want, got) {
		return replayed, schema.NewErrorf(schema.ErrCodeInternal, "run %s: snapshot diverges from event log", runID).
			WithDetails(map[string]any{
				"stored_version":   stored.Version,
				"replayed_version": replayed.Version,
				"stored_status":    string(stored.Status),
				"replayed_status":  string(replayed.Status),
			})
	}
	return replayed, nil
}
