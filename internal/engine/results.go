package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

func (e *engineImpl) HandleResult(ctx context.Context, result schema.NodeResult) error {
	log := logging.LogWith(logging.WithIDs(ctx, "", result.RunID, result.NodeID), e.logger)

	tok, err := e.tokens.VerifyFor(result)
	if err != nil {
		// Only a token genuinely issued for this run earns an audit entry.
		if tok.RunID != "" && tok.RunID == result.RunID {
			e.reject(ctx, result, "invalid token: "+schema.Describe(err).Message)
		} else {
			log.Warn("unauthenticated result dropped", slog.Int("attempt", result.Attempt), slog.Any("error", err))
		}
		if schema.HasCode(err, schema.ErrCodeTokenInvalid) {
			return err
		}
		return schema.NewError(schema.ErrCodeTokenInvalid, "result token rejected").WithNode(result.NodeID).WithCause(err)
	}

	var stale string
	_, err = e.mutate(ctx, result.RunID, "handle_result", func(t *txn) error {
		stale = ""
		done, err := e.store.IsNodeResultProcessed(t.ctx, result.RunID, result.NodeID, result.Attempt)
		if err != nil {
			return err
		}
		if done {
			log.Debug("duplicate result ignored", slog.Int("attempt", result.Attempt))
			return nil
		}

		ne := t.run.Nodes[result.NodeID]
		node := t.def.Node(result.NodeID)
		if stale = staleResult(t.run, ne, node, result, tok.ID); stale != "" {
			log.Info("result discarded", slog.Int("attempt", result.Attempt), slog.String("reason", stale))
			return nil
		}
		t.processed = append(t.processed, store.ResultKey{RunID: result.RunID, NodeID: result.NodeID, Attempt: result.Attempt})

		task := schema.NodeExecutionTask{
			RunID:        t.run.ID,
			TenantID:     t.run.TenantID,
			NodeID:       node.ID,
			ExecutorType: node.ExecutorType,
			Attempt:      result.Attempt,
			Token:        result.Token,
		}
		t.after(func(ctx context.Context) { e.pipeline.AfterNode(ctx, task, result) })

		if result.Status == schema.ResultSucceeded {
			err = t.succeed(node, result.Attempt, result.Output)
		} else {
			err = t.handleFailure(node, result.Attempt, result.Error)
		}
		if err != nil {
			return err
		}
		return t.advance()
	})
	if err == nil && stale != "" {
		e.reject(ctx, result, stale)
	}
	return err
}

// staleResult explains why a result with a valid token no longer applies,
// or returns "" when it does.
func staleResult(run *schema.WorkflowRun, ne *schema.NodeExecution, node *schema.NodeDefinition, result schema.NodeResult, tokenID string) string {
	switch {
	case node == nil:
		return "node is not part of the definition"
	case !activeRun(run.Status):
		return fmt.Sprintf("run is %s", strings.ToLower(string(run.Status)))
	case ne == nil || ne.Status != schema.NodeStatusRunning:
		return "node is not running"
	case ne.Attempt != result.Attempt:
		return fmt.Sprintf("attempt %d superseded by %d", result.Attempt, ne.Attempt)
	case ne.TokenID != tokenID:
		return "token was not issued for the current attempt"
	case result.Status != schema.ResultSucceeded && result.Status != schema.ResultFailed:
		return fmt.Sprintf("unknown result status %q", result.Status)
	}
	return ""
}

// reject records a discarded result in the run's audit trail. The event is
// appended outside any versioned mutation, so the run itself is unchanged.
func (e *engineImpl) reject(ctx context.Context, result schema.NodeResult, reason string) {
	if result.RunID == "" {
		return
	}
	ev := &schema.ExecutionEvent{
		RunID:      result.RunID,
		Type:       schema.EventNodeResultRejected,
		NodeID:     result.NodeID,
		Attempt:    result.Attempt,
		OccurredAt: e.now().UTC(),
		Payload:    schema.MustPayload(schema.ReasonPayload{Reason: reason}),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Debug("rejected result not recorded", slog.String("run_id", result.RunID), slog.Any("error", err))
		return
	}
	e.sched.PublishEvents(ctx, []*schema.ExecutionEvent{ev})
}

func (e *engineImpl) RetryNode(ctx context.Context, runID, nodeID string, attempt int) error {
	_, err := e.mutate(ctx, runID, "retry_node", func(t *txn) error {
		ne := t.run.Nodes[nodeID]
		node := t.def.Node(nodeID)
		if !activeRun(t.run.Status) || node == nil || ne == nil || ne.Status != schema.NodeStatusRetrying || ne.Attempt != attempt-1 {
			t.log().Debug("stale retry ignored", slog.String("node_id", nodeID), slog.Int("attempt", attempt))
			return nil
		}
		input, err := t.input(node)
		if err != nil {
			if err := t.handleFailure(node, ne.Attempt, invalidNode(nodeID, "input mapping: "+err.Error())); err != nil {
				return err
			}
			return t.advance()
		}
		if err := t.dispatch(node, attempt, input); err != nil {
			return err
		}
		return t.syncSuspension()
	})
	return err
}

// notifyParent reports a finished child run to the SUB_WORKFLOW node that
// started it, as a result carrying the node's token.
func (e *engineImpl) notifyParent(ctx context.Context, child *schema.WorkflowRun) {
	p := child.Parent
	if p == nil {
		return
	}
	res := schema.NodeResult{
		RunID:   p.RunID,
		NodeID:  p.NodeID,
		Attempt: p.Attempt,
		Token:   p.Token,
	}
	if child.Status == schema.RunStatusCompleted {
		res.Status = schema.ResultSucceeded
		res.Output = cloneVars(child.Outputs)
	} else {
		res.Status = schema.ResultFailed
		res.Error = &schema.NodeError{
			Code:    schema.NodeErrChildFailed,
			Message: fmt.Sprintf("child run %s is %s: %s", child.ID, strings.ToLower(string(child.Status)), child.FailureReason),
			Source:  "engine",
			Context: map[string]any{"child_run_id": child.ID},
		}
	}
	if err := e.HandleResult(ctx, res); err != nil {
		e.logger.Warn("parent run not notified",
			slog.String("run_id", child.ID),
			slog.String("parent_run_id", p.RunID),
			slog.Any("error", err))
	}
}
