package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// ConditionEvaluator evaluates transition conditions.
type ConditionEvaluator interface {
	Condition(ctx context.Context, language, expression string, vars, result map[string]any) (bool, error)
}

// Diagnostic records a condition that could not be evaluated. The edge is
// treated as not taken.
type Diagnostic struct {
	NodeID  string `json:"node_id"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

// ExecutionPlan is the planner's view of what a run should do next.
type ExecutionPlan struct {
	// ReadyNodes are PENDING nodes whose dependencies and incoming edges are satisfied, in topological order.
	ReadyNodes []string
	// SkippedNodes are PENDING nodes on branches that can no longer be taken.
	SkippedNodes []string
	// UnhandledFailures are FAILED nodes without a FAILURE transition.
	UnhandledFailures []string
	// DeadEnds are SUCCEEDED nodes whose conditional edges all evaluated false with no DEFAULT.
	DeadEnds []string
	// Blocked are PENDING nodes waiting on unresolved predecessors.
	Blocked []string
	// InFlight are RUNNING, RETRYING or WAITING nodes.
	InFlight []string

	IsComplete  bool
	IsStuck     bool
	StuckReason string
	// Outputs are the run outputs, set only when IsComplete.
	Outputs     map[string]any
	Diagnostics []Diagnostic
}

// Routing is the set of transition targets a resolved node selects.
type Routing struct {
	Targets     []string
	DeadEnd     bool
	Diagnostics []Diagnostic
}

// Selects reports whether target is among the routed targets.
func (r Routing) Selects(target string) bool {
	for _, t := range r.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// Planner computes execution plans. It holds no run state; Plan is a pure
// function of the graph and the run.
type Planner struct {
	eval ConditionEvaluator
}

// New creates a Planner. eval may be nil when no definition uses conditions.
func New(eval ConditionEvaluator) *Planner {
	return &Planner{eval: eval}
}

// Route evaluates the outgoing transitions of a node that resolved with the
// given status. SUCCEEDED selects SUCCESS edges, every CONDITION edge that
// evaluates true, and DEFAULT when no condition matched. FAILED selects
// FAILURE edges. Any other status selects nothing.
func (p *Planner) Route(ctx context.Context, g *Graph, nodeID string, status schema.NodeStatus, vars, result map[string]any) Routing {
	var r Routing
	switch status {
	case schema.NodeStatusSucceeded:
		hasConditional, matched := false, false
		defaultTarget := ""
		for _, t := range g.Outgoing[nodeID] {
			switch t.EffectiveKind() {
			case schema.TransitionSuccess:
				r.add(t.Target)
			case schema.TransitionCondition:
				hasConditional = true
				ok, err := p.condition(ctx, t, vars, result)
				if err != nil {
					r.Diagnostics = append(r.Diagnostics, Diagnostic{NodeID: nodeID, Target: t.Target, Message: err.Error()})
					continue
				}
				if ok {
					matched = true
					r.add(t.Target)
				}
			case schema.TransitionDefault:
				defaultTarget = t.Target
			}
		}
		if hasConditional && !matched && defaultTarget != "" {
			r.add(defaultTarget)
		}
		r.DeadEnd = hasConditional && len(r.Targets) == 0
	case schema.NodeStatusFailed:
		for _, t := range g.Outgoing[nodeID] {
			if t.EffectiveKind() == schema.TransitionFailure {
				r.add(t.Target)
			}
		}
	}
	return r
}

func (r *Routing) add(target string) {
	if !r.Selects(target) {
		r.Targets = append(r.Targets, target)
	}
}

func (p *Planner) condition(ctx context.Context, t schema.Transition, vars, result map[string]any) (bool, error) {
	if p.eval == nil {
		return false, fmt.Errorf("no condition evaluator configured")
	}
	return p.eval.Condition(ctx, t.Language, t.Condition, vars, result)
}

// routing returns the recorded routing of a resolved node, evaluating it
// against current variables when none was recorded.
func (p *Planner) routing(ctx context.Context, g *Graph, run *schema.WorkflowRun, nodeID string, status schema.NodeStatus) Routing {
	ne := run.Nodes[nodeID]
	if ne != nil && ne.Routed && ne.Status == status {
		r := Routing{Targets: ne.Routes}
		if status == schema.NodeStatusSucceeded && len(ne.Routes) == 0 {
			for _, t := range g.Outgoing[nodeID] {
				if t.Conditional() {
					r.DeadEnd = true
					break
				}
			}
		}
		return r
	}
	var result map[string]any
	if ne != nil {
		result = ne.Result
	}
	return p.Route(ctx, g, nodeID, status, run.Variables, result)
}

type readiness int

const (
	ready readiness = iota
	blocked
	dead
)

// Plan computes the next step for a run.
//
// A PENDING node is ready when every dependency is satisfied and, if other
// nodes transition to it, at least one of them selected it. A dependency is
// satisfied when it SUCCEEDED (and selected this node if it has a transition
// to it) or when it FAILED and routed to this node. A node whose predecessors
// resolved without satisfying it is reported as skipped, and skipping
// propagates downstream within the same plan. Start nodes are always ready
// while PENDING.
func (p *Planner) Plan(ctx context.Context, g *Graph, run *schema.WorkflowRun) *ExecutionPlan {
	plan := &ExecutionPlan{}

	status := make(map[string]schema.NodeStatus, len(g.Nodes))
	for id := range g.Nodes {
		status[id] = run.NodeStatusOf(id)
	}
	routes := make(map[string]Routing, len(g.Nodes))

	for _, id := range g.Sorted {
		if status[id] == schema.NodeStatusPending {
			switch p.readiness(g, id, status, routes) {
			case ready:
				plan.ReadyNodes = append(plan.ReadyNodes, id)
			case dead:
				status[id] = schema.NodeStatusSkipped
				plan.SkippedNodes = append(plan.SkippedNodes, id)
			default:
				plan.Blocked = append(plan.Blocked, id)
			}
			continue
		}

		st := status[id]
		switch {
		case st.InFlight():
			plan.InFlight = append(plan.InFlight, id)
		case st == schema.NodeStatusSucceeded || st == schema.NodeStatusFailed:
			r := p.routing(ctx, g, run, id, st)
			routes[id] = r
			plan.Diagnostics = append(plan.Diagnostics, r.Diagnostics...)
			if r.DeadEnd {
				plan.DeadEnds = append(plan.DeadEnds, id)
			}
			if st == schema.NodeStatusFailed && !g.HasFailureEdge(id) {
				plan.UnhandledFailures = append(plan.UnhandledFailures, id)
			}
		}
	}

	idle := len(plan.ReadyNodes) == 0 && len(plan.InFlight) == 0
	plan.IsComplete = idle && len(plan.Blocked) == 0 && len(plan.DeadEnds) == 0 && len(plan.UnhandledFailures) == 0
	plan.IsStuck = idle && !plan.IsComplete && len(plan.UnhandledFailures) == 0
	if plan.IsStuck {
		plan.StuckReason = stuckReason(plan)
	}
	if plan.IsComplete {
		plan.Outputs = collectOutputs(g, run.Variables)
	}
	return plan
}

func (p *Planner) readiness(g *Graph, id string, status map[string]schema.NodeStatus, routes map[string]Routing) readiness {
	if g.Nodes[id].Start {
		return ready
	}

	state := ready
	for _, dep := range g.Deps[id] {
		switch ds := status[dep]; ds {
		case schema.NodeStatusSucceeded, schema.NodeStatusFailed:
			r := routes[dep]
			switch {
			case r.Selects(id):
			case ds == schema.NodeStatusSucceeded && !transitionsTo(g, dep, id):
			case r.DeadEnd:
				state = blocked
			default:
				return dead
			}
		case schema.NodeStatusSkipped, schema.NodeStatusCompensated:
			return dead
		default:
			state = blocked
		}
	}

	sources := g.Sources[id]
	if len(sources) == 0 {
		return state
	}
	activated, resolved := false, true
	for _, src := range sources {
		ss := status[src]
		if !ss.Terminal() {
			resolved = false
			continue
		}
		r := routes[src]
		if r.Selects(id) {
			activated = true
			break
		}
		if r.DeadEnd {
			resolved = false
		}
	}
	switch {
	case activated:
		return state
	case resolved:
		return dead
	default:
		return blocked
	}
}

func transitionsTo(g *Graph, from, to string) bool {
	for _, t := range g.Outgoing[from] {
		if t.Target == to {
			return true
		}
	}
	return false
}

func stuckReason(plan *ExecutionPlan) string {
	var parts []string
	if len(plan.DeadEnds) > 0 {
		parts = append(parts, fmt.Sprintf("no transition matched and no DEFAULT for %s", strings.Join(plan.DeadEnds, ", ")))
	}
	if len(plan.Blocked) > 0 {
		parts = append(parts, fmt.Sprintf("unsatisfiable dependencies for %s", strings.Join(plan.Blocked, ", ")))
	}
	if len(parts) == 0 {
		return "no runnable nodes"
	}
	return strings.Join(parts, "; ")
}

// collectOutputs returns the variables named by the output schema, or all
// variables when the definition declares none.
func collectOutputs(g *Graph, vars map[string]any) map[string]any {
	out := make(map[string]any)
	if len(g.Outputs) == 0 {
		for k, v := range vars {
			out[k] = v
		}
		return out
	}
	for _, name := range g.Outputs {
		if v, ok := vars[name]; ok {
			out[name] = v
		}
	}
	return out
}
