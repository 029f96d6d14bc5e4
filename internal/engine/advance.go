package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/callback"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/pkg/schema"
)

// advance drives the run forward until nothing more can happen without an
// external result: it skips dead branches, starts ready nodes, resolves
// gateways inline and completes, fails or suspends the run.
func (t *txn) advance() error {
	if !activeRun(t.run.Status) {
		return nil
	}
	// Every pass resolves at least one node, so the node count bounds the loop.
	for pass := 0; pass <= len(t.def.Nodes); pass++ {
		plan := t.e.planner.Plan(t.ctx, t.graph, t.run)
		for _, d := range plan.Diagnostics {
			t.log().Warn("transition condition failed",
				slog.String("node_id", d.NodeID),
				slog.String("target", d.Target),
				slog.String("error", d.Message))
		}
		for _, id := range plan.SkippedNodes {
			if err := t.emit(schema.EventNodeSkipped, id, 0, nil); err != nil {
				return err
			}
		}

		if len(plan.UnhandledFailures) > 0 {
			id := plan.UnhandledFailures[0]
			cause := t.run.Nodes[id].Error
			return t.failRun(fmt.Sprintf("node %s failed", strings.Join(plan.UnhandledFailures, ", ")), cause)
		}
		if plan.IsComplete {
			return t.complete(plan.Outputs)
		}
		if plan.IsStuck {
			if t.confirmStuck {
				return t.failRun(plan.StuckReason, &schema.NodeError{Code: schema.NodeErrStuck, Message: plan.StuckReason, Source: "planner"})
			}
			t.recheckStuck()
			break
		}

		resolved := false
		for _, id := range plan.ReadyNodes {
			inline, err := t.startNode(id)
			if err != nil {
				return err
			}
			resolved = resolved || inline
		}
		if !resolved {
			break
		}
	}
	return t.syncSuspension()
}

// recheckStuck re-plans the run in a fresh mutation and fails it only if it
// is still stuck there.
func (t *txn) recheckStuck() {
	e, runID := t.e, t.run.ID
	t.after(func(ctx context.Context) {
		_, err := e.mutate(ctx, runID, "recheck_stuck", func(t *txn) error {
			t.confirmStuck = true
			return t.advance()
		})
		if err != nil {
			e.logger.Warn("stuck re-check failed", slog.String("run_id", runID), slog.Any("error", err))
		}
	})
}

func (t *txn) complete(outputs map[string]any) error {
	if err := t.emit(schema.EventWorkflowCompleted, "", 0, schema.CompletedPayload{Outputs: outputs}); err != nil {
		return err
	}
	e := t.e
	t.after(func(ctx context.Context) {
		e.pipeline.AfterWorkflow(ctx, t.run.Clone())
		e.notifyParent(ctx, t.run)
	})
	return nil
}

// syncSuspension keeps the run status in line with its nodes: WAITING when
// only suspended nodes remain in flight, RUNNING otherwise.
func (t *txn) syncSuspension() error {
	if !activeRun(t.run.Status) {
		return nil
	}
	var waiting string
	busy := false
	for _, id := range inFlightNodes(t.run) {
		if t.run.Nodes[id].Status == schema.NodeStatusWaiting {
			if waiting == "" {
				waiting = id
			}
			continue
		}
		busy = true
	}

	suspended := t.run.Status == schema.RunStatusWaiting
	switch {
	case waiting != "" && !busy:
		if suspended && t.run.Suspension != nil && t.run.Suspension.NodeID == waiting {
			return nil
		}
		if suspended {
			if err := t.emit(schema.EventWorkflowResumed, "", 0, nil); err != nil {
				return err
			}
		}
		return t.emit(schema.EventWorkflowWaiting, waiting, 0, schema.ReasonPayload{Reason: t.waitReason(waiting)})
	case suspended:
		return t.emit(schema.EventWorkflowResumed, "", 0, nil)
	}
	return nil
}

func (t *txn) waitReason(nodeID string) string {
	if n := t.def.Node(nodeID); n != nil && n.EffectiveKind() == schema.NodeKindTimer {
		return "timer"
	}
	return "signal"
}

// startNode starts a ready node according to its kind. It reports whether the
// node resolved without leaving the mutation, which warrants another plan.
func (t *txn) startNode(id string) (bool, error) {
	node := t.def.Node(id)
	if node == nil {
		return false, schema.NewErrorf(schema.ErrCodeInternal, "node %s missing from definition %s", id, t.def.ID)
	}
	const attempt = 1

	switch node.EffectiveKind() {
	case schema.NodeKindGateway:
		if err := t.emit(schema.EventNodeStarted, id, attempt, schema.NodeStartedPayload{}); err != nil {
			return false, err
		}
		return true, t.succeed(node, attempt, nil)

	case schema.NodeKindWait:
		return t.suspend(node, attempt)

	case schema.NodeKindTimer:
		return t.startTimer(node, attempt)

	case schema.NodeKindSubWorkflow:
		return t.startChild(node, attempt)

	default:
		input, err := t.input(node)
		if err != nil {
			return true, t.handleFailure(node, attempt, invalidNode(node.ID, "input mapping: "+err.Error()))
		}
		return false, t.dispatch(node, attempt, input)
	}
}

// dispatch mints a token for the attempt, records the start and hands the
// task to the scheduler after commit.
func (t *txn) dispatch(node *schema.NodeDefinition, attempt int, input map[string]any) error {
	tok, err := t.e.tokens.Mint(t.run.ID, node.ID, attempt)
	if err != nil {
		return err
	}
	if err := t.emit(schema.EventNodeStarted, node.ID, attempt, schema.NodeStartedPayload{TokenID: tok.ID}); err != nil {
		return err
	}
	task := schema.NodeExecutionTask{
		RunID:        t.run.ID,
		TenantID:     t.run.TenantID,
		NodeID:       node.ID,
		ExecutorType: node.ExecutorType,
		Attempt:      attempt,
		Token:        tok.Signature,
		Input:        input,
		Config:       node.Config,
		Timeout:      node.TimeoutDuration(),
		Retry:        t.def.EffectiveRetry(node),
	}
	e := t.e
	t.after(func(ctx context.Context) {
		e.pipeline.BeforeNode(ctx, task)
		if err := e.sched.ScheduleTask(task); err != nil {
			e.logger.Warn("task not scheduled",
				slog.String("run_id", task.RunID),
				slog.String("node_id", task.NodeID),
				slog.Int("attempt", task.Attempt),
				slog.Any("error", err))
		}
	})
	return nil
}

// suspend registers a signal callback for a WAIT node.
func (t *txn) suspend(node *schema.NodeDefinition, attempt int) (bool, error) {
	var cfg schema.WaitConfig
	if err := decodeConfig(node.Config, &cfg); err != nil {
		return true, t.handleFailure(node, attempt, invalidNode(node.ID, "wait config: "+err.Error()))
	}
	ttl, err := parseDuration(cfg.TTL)
	if err != nil {
		return true, t.handleFailure(node, attempt, invalidNode(node.ID, "wait ttl: "+err.Error()))
	}
	reg, tok, err := t.e.callbacks.Register(t.ctx, t.run.ID, t.run.TenantID, node.ID, callback.Config{
		Kind:        schema.CallbackSignal,
		CallbackURL: cfg.CallbackURL,
		SignalType:  cfg.SignalType,
		TTL:         ttl,
	})
	if err != nil {
		return false, err
	}
	expires := reg.ExpiresAt
	return false, t.emit(schema.EventNodeWaiting, node.ID, attempt, schema.NodeWaitingPayload{
		Reason:      "signal",
		CallbackID:  reg.ID,
		Token:       tok,
		CallbackURL: reg.CallbackURL,
		ExpiresAt:   &expires,
	})
}

// startTimer registers a timer callback that the sweeper fires when due.
func (t *txn) startTimer(node *schema.NodeDefinition, attempt int) (bool, error) {
	var cfg schema.WaitConfig
	if err := decodeConfig(node.Config, &cfg); err != nil {
		return true, t.handleFailure(node, attempt, invalidNode(node.ID, "timer config: "+err.Error()))
	}
	d, err := parseDuration(cfg.Duration)
	if err != nil || d < 0 {
		return true, t.handleFailure(node, attempt, invalidNode(node.ID, fmt.Sprintf("timer duration %q is invalid", cfg.Duration)))
	}
	fireAt := t.e.now().UTC().Add(d)
	reg, tok, err := t.e.callbacks.Register(t.ctx, t.run.ID, t.run.TenantID, node.ID, callback.Config{
		Kind:   schema.CallbackTimer,
		FireAt: &fireAt,
	})
	if err != nil {
		return false, err
	}
	return false, t.emit(schema.EventNodeWaiting, node.ID, attempt, schema.NodeWaitingPayload{
		Reason:     "timer",
		CallbackID: reg.ID,
		Token:      tok,
		FireAt:     reg.FireAt,
	})
}

// startChild records the child run and starts it after commit. The child
// reports back through HandleResult with the token minted here.
func (t *txn) startChild(node *schema.NodeDefinition, attempt int) (bool, error) {
	var cfg schema.SubWorkflowConfig
	if err := decodeConfig(node.Config, &cfg); err != nil || cfg.DefinitionID == "" {
		return true, t.handleFailure(node, attempt, invalidNode(node.ID, "sub-workflow node needs a definition_id"))
	}
	input, err := t.input(node)
	if err != nil {
		return true, t.handleFailure(node, attempt, invalidNode(node.ID, "input mapping: "+err.Error()))
	}
	tok, err := t.e.tokens.Mint(t.run.ID, node.ID, attempt)
	if err != nil {
		return false, err
	}
	if err := t.emit(schema.EventNodeStarted, node.ID, attempt, schema.NodeStartedPayload{TokenID: tok.ID}); err != nil {
		return false, err
	}
	childID := uuid.NewString()
	if err := t.emit(schema.EventChildRunStarted, node.ID, attempt, schema.ChildRunPayload{ChildRunID: childID}); err != nil {
		return false, err
	}

	e := t.e
	req := StartRequest{
		TenantID:     t.run.TenantID,
		DefinitionID: cfg.DefinitionID,
		Input:        input,
		RunID:        childID,
		Parent:       &schema.ParentRef{RunID: t.run.ID, NodeID: node.ID, Attempt: attempt, Token: tok.Signature},
	}
	t.after(func(ctx context.Context) {
		if _, err := e.StartRun(ctx, req); err != nil {
			info := schema.Describe(err)
			res := schema.NodeResult{
				RunID:   req.Parent.RunID,
				NodeID:  req.Parent.NodeID,
				Attempt: req.Parent.Attempt,
				Token:   req.Parent.Token,
				Status:  schema.ResultFailed,
				Error: &schema.NodeError{
					Code:    schema.NodeErrChildFailed,
					Message: "start child run: " + info.Message,
					Source:  "engine",
					Context: map[string]any{"child_run_id": childID, "code": info.Code},
				},
			}
			if err := e.HandleResult(ctx, res); err != nil {
				e.logger.Warn("child start failure not recorded", slog.String("run_id", req.Parent.RunID), slog.Any("error", err))
			}
		}
	})
	return false, nil
}

// succeed resolves a node with its output: the output (or its mapping) is
// merged into the run variables and the outgoing transitions are routed
// against the merged variables.
func (t *txn) succeed(node *schema.NodeDefinition, attempt int, output map[string]any) error {
	vars, err := t.output(node, output)
	if err != nil {
		return t.handleFailure(node, attempt, invalidNode(node.ID, "output mapping: "+err.Error()))
	}
	merged := cloneVars(t.run.Variables)
	maps.Copy(merged, vars)
	routing := t.e.planner.Route(t.ctx, t.graph, node.ID, schema.NodeStatusSucceeded, merged, output)
	for _, d := range routing.Diagnostics {
		t.log().Warn("transition condition failed",
			slog.String("node_id", d.NodeID),
			slog.String("target", d.Target),
			slog.String("error", d.Message))
	}
	return t.emit(schema.EventNodeSucceeded, node.ID, attempt, schema.NodeSucceededPayload{
		Output:    output,
		Variables: vars,
		Routes:    routing.Targets,
	})
}

// handleFailure schedules a retry while the policy allows one, otherwise fails
// the node and routes its FAILURE transitions. Retryable errors that exhaust
// their attempts are dead-lettered.
func (t *txn) handleFailure(node *schema.NodeDefinition, attempt int, nerr *schema.NodeError) error {
	if nerr == nil {
		nerr = &schema.NodeError{Code: schema.NodeErrExecution, Message: "node failed without an error"}
	}
	policy := t.def.EffectiveRetry(node)
	executor := node.EffectiveKind() == schema.NodeKindExecutor
	status := t.run.NodeStatusOf(node.ID)

	if executor && status == schema.NodeStatusRunning && scheduler.ShouldRetry(policy, attempt, nerr) {
		delay := scheduler.Backoff(policy, attempt)
		if err := t.emit(schema.EventNodeRetryScheduled, node.ID, attempt, schema.RetryScheduledPayload{
			Delay:       delay.String(),
			NextAttempt: attempt + 1,
			Error:       nerr,
		}); err != nil {
			return err
		}
		e, runID := t.e, t.run.ID
		t.after(func(context.Context) {
			if err := e.sched.ScheduleRetry(runID, node.ID, attempt+1, delay); err != nil {
				e.logger.Warn("retry not scheduled",
					slog.String("run_id", runID),
					slog.String("node_id", node.ID),
					slog.Any("error", err))
			}
		})
		return nil
	}

	deadLettered := executor && nerr.Retryable && status == schema.NodeStatusRunning
	routing := t.e.planner.Route(t.ctx, t.graph, node.ID, schema.NodeStatusFailed, t.run.Variables, nil)
	if err := t.emit(schema.EventNodeFailed, node.ID, attempt, schema.NodeFailedPayload{
		Error:        nerr,
		DeadLettered: deadLettered,
		Routes:       routing.Targets,
	}); err != nil {
		return err
	}
	if deadLettered {
		entry := scheduler.DeadLetter{
			RunID:        t.run.ID,
			TenantID:     t.run.TenantID,
			NodeID:       node.ID,
			ExecutorType: node.ExecutorType,
			Attempt:      attempt,
			Reason:       fmt.Sprintf("retries exhausted after %d attempts", attempt),
			Error:        nerr,
		}
		e := t.e
		t.after(func(context.Context) { e.sched.DeadLetter(entry) })
	}
	return nil
}

// failRun stops every in-flight node and fails the run. Compensation starts
// after commit when the definition asks for it automatically.
func (t *txn) failRun(reason string, cause *schema.NodeError) error {
	if err := t.abort(&schema.NodeError{Code: schema.NodeErrCancelled, Message: "run failed: " + reason, Source: "engine"}); err != nil {
		return err
	}
	if err := t.emit(schema.EventWorkflowFailed, "", 0, schema.ReasonPayload{Reason: reason}); err != nil {
		return err
	}
	if cause == nil {
		cause = &schema.NodeError{Code: schema.NodeErrExecution, Message: reason}
	}

	e, runID := t.e, t.run.ID
	auto := autoCompensate(t.def) && e.saga.NeedsCompensation(t.def, t.run)
	t.after(func(ctx context.Context) {
		e.sched.CancelTasksForRun(runID)
		e.pipeline.OnFailure(ctx, t.run.Clone(), cause)
		e.notifyParent(ctx, t.run)
		if !auto {
			e.pipeline.AfterWorkflow(ctx, t.run.Clone())
			return
		}
		if _, err := e.compensate(ctx, runID); err != nil {
			e.logger.Warn("automatic compensation did not finish", slog.String("run_id", runID), slog.Any("error", err))
		}
	})
	return nil
}

// abort fails every in-flight node with cause, releasing their callbacks and
// cancelling their child runs after commit.
func (t *txn) abort(cause *schema.NodeError) error {
	e := t.e
	for _, id := range inFlightNodes(t.run) {
		ne := t.run.Nodes[id]
		if ne.Status == schema.NodeStatusWaiting && ne.CallbackID != "" {
			cbID := ne.CallbackID
			t.after(func(ctx context.Context) {
				if err := e.callbacks.Consume(ctx, cbID); err != nil {
					e.logger.Debug("callback not released", slog.String("callback_id", cbID), slog.Any("error", err))
				}
			})
		}
		if ne.Status == schema.NodeStatusRunning && ne.ChildRunID != "" {
			childID := ne.ChildRunID
			t.after(func(ctx context.Context) {
				if err := e.CancelRun(ctx, childID, "parent run stopped"); err != nil && !schema.HasCode(err, schema.ErrCodeInvalidTransition) {
					e.logger.Warn("child run not cancelled", slog.String("run_id", childID), slog.Any("error", err))
				}
			})
		}
		if err := t.emit(schema.EventNodeFailed, id, ne.Attempt, schema.NodeFailedPayload{Error: cause}); err != nil {
			return err
		}
	}
	return nil
}

// input materializes a node's input from the run variables.
func (t *txn) input(node *schema.NodeDefinition) (map[string]any, error) {
	vars := cloneVars(t.run.Variables)
	if node.InputMapping == "" || t.e.mapper == nil {
		return vars, nil
	}
	return t.e.mapper.Map(t.ctx, node.InputMapping, vars)
}

// output returns the variables a node's output contributes.
func (t *txn) output(node *schema.NodeDefinition, output map[string]any) (map[string]any, error) {
	if node.OutputMapping == "" || t.e.mapper == nil {
		return cloneVars(output), nil
	}
	return t.e.mapper.Map(t.ctx, node.OutputMapping, cloneVars(output))
}

func autoCompensate(def *schema.WorkflowDefinition) bool {
	return def.Compensation.Mode == "" || def.Compensation.Mode == schema.CompensationAutomatic
}

func invalidNode(nodeID, message string) *schema.NodeError {
	return &schema.NodeError{
		Code:    schema.ErrCodeValidation,
		Message: message,
		Source:  "engine",
		Context: map[string]any{"node_id": nodeID},
	}
}

func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
