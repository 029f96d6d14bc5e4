package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func (e *engineImpl) StartRun(ctx context.Context, req StartRequest) (*schema.WorkflowRunSnapshot, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	if strings.TrimSpace(req.DefinitionID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}
	c, err := e.current(ctx, req.TenantID, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	def := c.def

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if e.validator != nil && len(def.InputSchema) > 0 {
		if err := e.validator.ValidateInput(input, def.InputSchema); err != nil {
			return nil, err
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &schema.WorkflowRun{
		ID:           runID,
		TenantID:     req.TenantID,
		DefinitionID: def.ID,
		Status:       schema.RunStatusPending,
		Nodes:        map[string]*schema.NodeExecution{},
	}

	var t *txn
	err = e.locker.WithLock(ctx, runID, func(ctx context.Context) error {
		t = &txn{e: e, ctx: ctx, run: run, def: def, graph: c.graph}
		if err := t.emit(schema.EventWorkflowStarted, "", 0, schema.RunStartedPayload{
			DefinitionID:       def.ID,
			DefinitionRevision: c.revision,
			Definition:         def,
			Variables:          input,
			Parent:             req.Parent,
		}); err != nil {
			return err
		}
		t.after(func(ctx context.Context) { e.pipeline.BeforeWorkflow(ctx, t.run.Clone()) })
		if err := t.advance(); err != nil {
			return err
		}
		return e.store.Create(ctx, t.run, t.events)
	})
	if err != nil {
		return nil, err
	}

	snap := schema.SnapshotOf(t.run)
	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("tenant_id", req.TenantID),
		slog.String("definition_id", def.ID),
		slog.String("definition_revision", c.revision))
	e.commit(ctx, t)
	return snap, nil
}

func (e *engineImpl) CancelRun(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	_, err := e.mutate(ctx, runID, "cancel_run", func(t *txn) error {
		switch {
		case t.run.Status == schema.RunStatusCancelled:
			return nil
		case !activeRun(t.run.Status):
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s and cannot be cancelled", runID, t.run.Status)
		}
		if err := t.abort(&schema.NodeError{Code: schema.NodeErrCancelled, Message: reason, Source: "engine"}); err != nil {
			return err
		}
		if err := t.emit(schema.EventWorkflowCancelled, "", 0, schema.ReasonPayload{Reason: reason}); err != nil {
			return err
		}
		t.after(func(ctx context.Context) {
			e.sched.CancelTasksForRun(runID)
			e.pipeline.AfterWorkflow(ctx, t.run.Clone())
			e.notifyParent(ctx, t.run)
		})
		return nil
	})
	return err
}

func (e *engineImpl) Compensate(ctx context.Context, runID string) (*schema.CompensationResult, error) {
	return e.compensate(ctx, runID)
}

// compensate starts, or resumes, the compensation pass of a run. Each node
// outcome is committed before the next node is compensated, so an
// interrupted pass resumes without repeating finished actions.
func (e *engineImpl) compensate(ctx context.Context, runID string) (*schema.CompensationResult, error) {
	t, err := e.mutate(ctx, runID, "compensation_started", func(t *txn) error {
		switch t.run.Status {
		case schema.RunStatusCompensating:
			return nil
		case schema.RunStatusFailed:
		default:
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s, only failed runs are compensated", runID, t.run.Status)
		}
		if t.def.Compensation.Mode == schema.CompensationNone {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "definition %s disables compensation", t.def.ID)
		}
		if !e.saga.NeedsCompensation(t.def, t.run) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s has nothing to compensate", runID)
		}
		return t.emit(schema.EventCompensationStarted, "", 0, nil)
	})
	if err != nil {
		return nil, err
	}

	record := func(ctx context.Context, outcome schema.NodeCompensation) error {
		_, err := e.mutate(ctx, runID, "node_compensation", func(t *txn) error {
			if outcome.Outcome == schema.CompensationSucceeded {
				return t.emit(schema.EventNodeCompensated, outcome.NodeID, 0, nil)
			}
			return t.emit(schema.EventNodeCompensationFail, outcome.NodeID, 0, schema.NodeFailedPayload{Error: outcome.Error})
		})
		return err
	}
	result, err := e.saga.Compensate(ctx, t.def, t.run.Clone(), record)
	if err != nil {
		return nil, err
	}

	_, err = e.mutate(ctx, runID, "compensation_completed", func(t *txn) error {
		if err := t.emit(schema.EventCompensationCompleted, "", 0, result); err != nil {
			return err
		}
		t.after(func(ctx context.Context) { e.pipeline.AfterWorkflow(ctx, t.run.Clone()) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("compensation finished",
		slog.String("run_id", runID),
		slog.Bool("succeeded", result.Succeeded),
		slog.Int("nodes", len(result.Nodes)))
	return &result, nil
}

// Recover resumes unfinished runs after a restart. Dispatched attempts whose
// results can no longer arrive are failed as retryable, pending retries are
// re-armed, finished child runs are reported to their parents and
// interrupted compensation passes are resumed.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	var snaps []*schema.WorkflowRunSnapshot
	for offset := 0; ; offset += e.cfg.RecoveryPageSize {
		page, err := e.store.Query(ctx, store.RunQuery{
			Statuses: []schema.RunStatus{
				schema.RunStatusRunning,
				schema.RunStatusWaiting,
				schema.RunStatusCompensating,
				schema.RunStatusFailed,
			},
			Limit:  e.cfg.RecoveryPageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, err
		}
		snaps = append(snaps, page...)
		if len(page) < e.cfg.RecoveryPageSize {
			break
		}
	}

	touched := 0
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return touched, err
		}
		ok, err := e.recoverRun(ctx, snap)
		if err != nil {
			e.logger.Warn("run not recovered", slog.String("run_id", snap.RunID), slog.Any("error", err))
			continue
		}
		if ok {
			touched++
		}
	}
	e.logger.Info("recovery finished", slog.Int("runs", len(snaps)), slog.Int("recovered", touched))
	return touched, nil
}

func (e *engineImpl) recoverRun(ctx context.Context, snap *schema.WorkflowRunSnapshot) (bool, error) {
	switch snap.Status {
	case schema.RunStatusCompensating:
		_, err := e.compensate(ctx, snap.RunID)
		return err == nil, err
	case schema.RunStatusFailed:
		run, err := e.store.FindByID(ctx, snap.RunID)
		if err != nil {
			return false, err
		}
		c, err := e.pinned(ctx, run)
		if err != nil {
			return false, err
		}
		if !autoCompensate(c.def) || !e.saga.NeedsCompensation(c.def, run) {
			return false, nil
		}
		_, err = e.compensate(ctx, snap.RunID)
		return err == nil, err
	}

	t, err := e.mutate(ctx, snap.RunID, "recover", func(t *txn) error {
		for _, id := range inFlightNodes(t.run) {
			ne := t.run.Nodes[id]
			node := t.def.Node(id)
			if node == nil {
				continue
			}
			switch ne.Status {
			case schema.NodeStatusRetrying:
				runID, next := t.run.ID, ne.Attempt+1
				t.after(func(context.Context) {
					if err := e.sched.ScheduleRetry(runID, id, next, 0); err != nil {
						e.logger.Warn("retry not re-armed", slog.String("run_id", runID), slog.String("node_id", id), slog.Any("error", err))
					}
				})
			case schema.NodeStatusRunning:
				if err := t.recoverRunning(node, ne); err != nil {
					return err
				}
			}
		}
		return t.advance()
	})
	if err != nil {
		return false, err
	}
	return t.dirty() || len(t.effects) > 0, nil
}

// recoverRunning handles a node that was RUNNING when the process stopped.
func (t *txn) recoverRunning(node *schema.NodeDefinition, ne *schema.NodeExecution) error {
	e := t.e
	switch node.EffectiveKind() {
	case schema.NodeKindExecutor:
		return t.handleFailure(node, ne.Attempt, &schema.NodeError{
			Code:      schema.ErrCodeExecutorUnavailable,
			Message:   "dispatch lost during restart",
			Source:    "engine",
			Retryable: true,
		})
	case schema.NodeKindSubWorkflow:
		child, err := e.store.FindByID(t.ctx, ne.ChildRunID)
		switch {
		case schema.HasCode(err, schema.ErrCodeRunNotFound) || ne.ChildRunID == "":
			return t.handleFailure(node, ne.Attempt, &schema.NodeError{
				Code:    schema.NodeErrChildFailed,
				Message: "child run was never created",
				Source:  "engine",
				Context: map[string]any{"child_run_id": ne.ChildRunID},
			})
		case err != nil:
			return err
		case terminalRun(child.Status):
			t.after(func(ctx context.Context) { e.notifyParent(ctx, child) })
		}
	}
	return nil
}
