// Package saga rolls back a failed run by invoking each completed node's
// compensating action in reverse execution order.
package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/pkg/schema"
)

// Dispatcher sends one compensation task and yields its result.
type Dispatcher interface {
	DispatchTask(ctx context.Context, task schema.NodeExecutionTask) <-chan schema.NodeResult
}

// Minter issues the token a compensation task carries.
type Minter interface {
	Mint(runID, nodeID string, attempt int) (schema.ExecutionToken, error)
}

// Recorder durably records one node's outcome before the next node is
// compensated. A Recorder error aborts the pass.
type Recorder func(ctx context.Context, outcome schema.NodeCompensation) error

// Engine runs compensation passes.
type Engine struct {
	dispatcher Dispatcher
	tokens     Minter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a compensation engine. logger may be nil.
func New(dispatcher Dispatcher, tokens Minter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dispatcher: dispatcher,
		tokens:     tokens,
		logger:     logger.With(slog.String("component", "saga")),
		now:        time.Now,
	}
}

// NeedsCompensation reports whether a FAILED run has at least one node with
// a compensating action left to run.
func (e *Engine) NeedsCompensation(def *schema.WorkflowDefinition, run *schema.WorkflowRun) bool {
	if run.Status != schema.RunStatusFailed || run.Compensation != nil {
		return false
	}
	for _, id := range Candidates(def, run) {
		if n := def.Node(id); n != nil && n.Compensation != nil && run.NodeStatusOf(id) != schema.NodeStatusCompensated {
			return true
		}
	}
	return false
}

// Candidates returns the nodes a pass visits, most recently started first.
// SUCCEEDED nodes always qualify; FAILED nodes unless the policy skips them;
// COMPENSATED nodes are listed so a resumed pass reports them without
// re-running their action.
func Candidates(def *schema.WorkflowDefinition, run *schema.WorkflowRun) []string {
	seen := make(map[string]bool, len(run.ExecutionPath))
	var out []string
	for i := len(run.ExecutionPath) - 1; i >= 0; i-- {
		id := run.ExecutionPath[i]
		if seen[id] {
			continue
		}
		seen[id] = true
		switch run.NodeStatusOf(id) {
		case schema.NodeStatusSucceeded, schema.NodeStatusCompensated:
			out = append(out, id)
		case schema.NodeStatusFailed:
			if !def.Compensation.SkipFailedNodes {
				out = append(out, id)
			}
		}
	}
	return out
}

// Compensate visits every candidate once, in strict reverse execution order.
// Nodes without an action are SKIPPED; a failed action does not stop the
// pass. The returned result always covers the nodes visited so far.
func (e *Engine) Compensate(ctx context.Context, def *schema.WorkflowDefinition, run *schema.WorkflowRun, record Recorder) (schema.CompensationResult, error) {
	result := schema.CompensationResult{RunID: run.ID, Nodes: []schema.NodeCompensation{}}
	for _, id := range Candidates(def, run) {
		if err := ctx.Err(); err != nil {
			return e.finish(result), err
		}
		outcome := e.compensate(ctx, def, run, id)
		result.Nodes = append(result.Nodes, outcome)
		if record != nil && outcome.Outcome != schema.CompensationSkipped && run.NodeStatusOf(id) != schema.NodeStatusCompensated {
			if err := record(ctx, outcome); err != nil {
				return e.finish(result), err
			}
		}
	}
	return e.finish(result), nil
}

// CompensateNode runs a single node's action regardless of its position in
// the execution path.
func (e *Engine) CompensateNode(ctx context.Context, def *schema.WorkflowDefinition, run *schema.WorkflowRun, nodeID string) schema.CompensationResult {
	result := schema.CompensationResult{RunID: run.ID}
	result.Nodes = []schema.NodeCompensation{e.compensate(ctx, def, run, nodeID)}
	return e.finish(result)
}

func (e *Engine) compensate(ctx context.Context, def *schema.WorkflowDefinition, run *schema.WorkflowRun, nodeID string) schema.NodeCompensation {
	out := schema.NodeCompensation{NodeID: nodeID}
	node := def.Node(nodeID)
	exec := run.Node(nodeID)
	switch {
	case node == nil || exec == nil:
		out.Outcome = schema.CompensationFailed
		out.Error = &schema.NodeError{Code: schema.ErrCodeValidation, Message: "node " + nodeID + " has no execution to compensate"}
		return out
	case exec.Status == schema.NodeStatusCompensated:
		out.Outcome = schema.CompensationSucceeded
		return out
	case node.Compensation == nil:
		out.Outcome = schema.CompensationSkipped
		return out
	}

	attempt := exec.Attempt
	if attempt < 1 {
		attempt = 1
	}
	tok, err := e.tokens.Mint(run.ID, nodeID, attempt)
	if err != nil {
		out.Outcome = schema.CompensationFailed
		out.Error = &schema.NodeError{Code: schema.ErrCodeInternal, Message: err.Error(), Source: "saga"}
		return out
	}

	input := map[string]any{"variables": run.Variables}
	if exec.Result != nil {
		input["result"] = exec.Result
	}
	if exec.Error != nil {
		input["error"] = exec.Error
	}
	task := schema.NodeExecutionTask{
		RunID:        run.ID,
		TenantID:     run.TenantID,
		NodeID:       nodeID,
		ExecutorType: node.Compensation.ExecutorType,
		Attempt:      attempt,
		Token:        tok.Signature,
		Input:        input,
		Config:       node.Compensation.Config,
		Timeout:      parseTimeout(node.Compensation.Timeout),
		Retry:        schema.RetryPolicy{MaxAttempts: 1},
		Compensation: true,
	}

	res := <-e.dispatcher.DispatchTask(ctx, task)
	if res.Status == schema.ResultSucceeded {
		out.Outcome = schema.CompensationSucceeded
		metrics.RecordCompensation(string(out.Outcome))
		return out
	}

	out.Outcome = schema.CompensationFailed
	out.Error = res.Error
	if out.Error == nil {
		out.Error = &schema.NodeError{Code: schema.ErrCodeCompensationFailed, Message: "compensating action failed"}
	}
	metrics.RecordCompensation(string(out.Outcome))
	e.logger.Warn("compensation failed",
		slog.String("run_id", run.ID),
		slog.String("node_id", nodeID),
		slog.String("code", out.Error.Code))
	return out
}

func (e *Engine) finish(r schema.CompensationResult) schema.CompensationResult {
	r.Succeeded = len(r.Failed()) == 0
	r.CompletedAt = e.now().UTC()
	return r
}

func parseTimeout(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
