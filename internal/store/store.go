package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

// RunStore persists run snapshots together with their event log.
// All implementations must be safe for concurrent use.
type RunStore interface {
	// Create inserts a new run at version 1 with its initial events.
	Create(ctx context.Context, run *schema.WorkflowRun, events []*schema.ExecutionEvent) error
	// Update applies a mutation atomically. A version mismatch returns
	// CONCURRENCY_CONFLICT and leaves the store untouched.
	Update(ctx context.Context, m Mutation) error
	FindByID(ctx context.Context, runID string) (*schema.WorkflowRun, error)
	// Snapshot returns the read model, scoped to a tenant when tenantID is set.
	Snapshot(ctx context.Context, runID, tenantID string) (*schema.WorkflowRunSnapshot, error)
	Query(ctx context.Context, q RunQuery) ([]*schema.WorkflowRunSnapshot, error)

	// AppendEvent records an audit event that does not change the run
	// (e.g. a rejected result). It takes the next sequence at the current version.
	AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error
	// Events returns events with sequence > since, ordered by sequence.
	Events(ctx context.Context, runID string, since int64) ([]*schema.ExecutionEvent, error)
	IsNodeResultProcessed(ctx context.Context, runID, nodeID string, attempt int) (bool, error)

	Close() error
}

// CallbackStore persists callback registrations.
type CallbackStore interface {
	SaveCallback(ctx context.Context, reg *schema.CallbackRegistration) error
	GetCallback(ctx context.Context, id string) (*schema.CallbackRegistration, error)
	// ConsumeCallback marks a registration used. A second consume returns TOKEN_INVALID.
	ConsumeCallback(ctx context.Context, id string) error
	ListCallbacks(ctx context.Context, q CallbackQuery) ([]*schema.CallbackRegistration, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	RunStore
	CallbackStore
}

// Locker serializes mutations of a single run across goroutines and processes.
type Locker interface {
	// WithLock runs fn while holding the run's lock. The context passed to fn
	// is cancelled if the lock is lost.
	WithLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error
}

func runNotFound(runID string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", runID)
}

func versionConflict(runID string, expected, actual int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q: expected version %d, found %d", runID, expected, actual).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}

func callbackNotFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTokenInvalid, "callback %q not found", id)
}

func callbackConsumed(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTokenInvalid, "callback %q already consumed", id)
}

func internal(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeInternal, "%s: %v", op, err).WithCause(err)
}

// stamp assigns sequence numbers and the committed version to events.
func stamp(run *schema.WorkflowRun, events []*schema.ExecutionEvent, nextSeq, version int64) {
	for i, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		ev.RunID = run.ID
		if ev.TenantID == "" {
			ev.TenantID = run.TenantID
		}
		ev.Sequence = nextSeq + int64(i)
		ev.Version = version
		ev.OccurredAt = timeOrNow(ev.OccurredAt)
	}
}
