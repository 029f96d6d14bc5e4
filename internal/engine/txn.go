package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/internal/planner"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// txn accumulates one atomic change to a run: the events it emits (already
// projected onto run), the results and callbacks it consumes, and the side
// effects to perform once the change is committed.
type txn struct {
	e       *engineImpl
	ctx     context.Context
	run     *schema.WorkflowRun
	def     *schema.WorkflowDefinition
	graph   *planner.Graph
	version int64

	events    []*schema.ExecutionEvent
	processed []store.ResultKey
	consumed  []string
	effects   []func(ctx context.Context)

	// confirmStuck fails a stuck run instead of scheduling a re-check.
	confirmStuck bool
}

func (t *txn) dirty() bool {
	return len(t.events) > 0
}

// emit validates the state change the event implies, applies it to the run
// and queues the event for the commit.
func (t *txn) emit(eventType, nodeID string, attempt int, payload any) error {
	ev := &schema.ExecutionEvent{
		RunID:      t.run.ID,
		TenantID:   t.run.TenantID,
		Type:       eventType,
		NodeID:     nodeID,
		Attempt:    attempt,
		OccurredAt: t.e.now().UTC(),
		Payload:    schema.MustPayload(payload),
	}
	if err := checkEvent(t.run, ev); err != nil {
		return err
	}
	if err := store.Project(t.run, ev); err != nil {
		return schema.NewErrorf(schema.ErrCodeInternal, "apply %s: %v", eventType, err).WithCause(err).WithNode(nodeID)
	}
	t.events = append(t.events, ev)
	return nil
}

// after queues fn to run once the mutation is committed.
func (t *txn) after(fn func(ctx context.Context)) {
	t.effects = append(t.effects, fn)
}

func (t *txn) log() *slog.Logger {
	return logging.LogWith(logging.WithIDs(t.ctx, t.run.TenantID, t.run.ID, ""), t.e.logger)
}

// mutate applies fn to the current state of a run under the run lock and
// commits the result with an optimistic version check. A version conflict
// reloads the run and reapplies fn. Side effects queued by fn run after the
// commit, outside the lock.
func (e *engineImpl) mutate(ctx context.Context, runID, op string, fn func(t *txn) error) (*txn, error) {
	for attempt := 0; ; attempt++ {
		var t *txn
		err := e.locker.WithLock(ctx, runID, func(ctx context.Context) error {
			run, err := e.store.FindByID(ctx, runID)
			if err != nil {
				return err
			}
			c, err := e.pinned(ctx, run)
			if err != nil {
				return err
			}
			t = &txn{e: e, ctx: ctx, run: run, def: c.def, graph: c.graph, version: run.Version}
			if err := fn(t); err != nil {
				return err
			}
			if !t.dirty() {
				return nil
			}
			return e.store.Update(ctx, store.Mutation{
				Run:             t.run,
				ExpectedVersion: t.version,
				Events:          t.events,
				Processed:       t.processed,
				Consumed:        t.consumed,
			})
		})
		if err == nil {
			e.commit(ctx, t)
			return t, nil
		}
		if !schema.IsConflict(err) || attempt >= e.cfg.MaxConflictRetries {
			return nil, err
		}
		metrics.RecordConflict(op)
		e.logger.Debug("retrying mutation after conflict",
			slog.String("run_id", runID),
			slog.String("op", op),
			slog.Int("attempt", attempt+1))
	}
}

// commit publishes the committed events and performs the queued side effects.
func (e *engineImpl) commit(ctx context.Context, t *txn) {
	if t == nil {
		return
	}
	if len(t.events) > 0 {
		e.sched.PublishEvents(ctx, t.events)
	}
	for _, fn := range t.effects {
		fn(ctx)
	}
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
