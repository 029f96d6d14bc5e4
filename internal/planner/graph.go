package planner

import (
	"encoding/json"

	"github.com/rendis/flowcore/pkg/schema"
)

// Graph is the compiled form of a WorkflowDefinition. It is immutable and
// safe to share between goroutines.
type Graph struct {
	Definition *schema.WorkflowDefinition
	Nodes      map[string]*schema.NodeDefinition // node ID → definition
	Deps       map[string][]string               // node ID → depends_on
	Dependents map[string][]string               // node ID → nodes depending on it
	Outgoing   map[string][]schema.Transition    // node ID → transitions leaving it
	Sources    map[string][]string               // node ID → nodes with a transition to it
	Sorted     []string                          // topological order over deps ∪ transitions
	Roots      []string                          // nodes ready at run start
	Outputs    []string                          // output schema property names
}

// Compile validates the graph shape of a definition and builds its Graph.
// It rejects empty/duplicate ids, dangling references, invalid DEFAULT usage
// and cycles over dependency and transition edges.
func Compile(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no nodes", def.ID)
	}

	g := &Graph{
		Definition: def,
		Nodes:      make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Deps:       make(map[string][]string, len(def.Nodes)),
		Dependents: make(map[string][]string, len(def.Nodes)),
		Outgoing:   make(map[string][]schema.Transition, len(def.Nodes)),
		Sources:    make(map[string][]string, len(def.Nodes)),
	}

	// First pass: register nodes and check ids.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		g.Nodes[n.ID] = n
	}

	// Second pass: dependency edges.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Start && len(n.DependsOn) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "start node %s cannot have dependencies", n.ID).WithNode(n.ID)
		}
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if _, exists := g.Nodes[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s depends on non-existent node: %s", n.ID, dep).WithNode(n.ID)
			}
			if dep == n.ID {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s depends on itself", n.ID).WithNode(n.ID)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has duplicate dependency: %s", n.ID, dep).WithNode(n.ID)
			}
			seen[dep] = true
			g.Deps[n.ID] = append(g.Deps[n.ID], dep)
			g.Dependents[dep] = append(g.Dependents[dep], n.ID)
		}
	}

	// Third pass: transitions.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if err := checkTransitions(g, n); err != nil {
			return nil, err
		}
		g.Outgoing[n.ID] = n.Transitions
		seen := make(map[string]bool, len(n.Transitions))
		for _, t := range n.Transitions {
			if !seen[t.Target] {
				seen[t.Target] = true
				g.Sources[t.Target] = append(g.Sources[t.Target], n.ID)
			}
		}
	}

	sorted, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted

	for _, id := range g.Sorted {
		n := g.Nodes[id]
		if n.Start || (len(g.Deps[id]) == 0 && len(g.Sources[id]) == 0) {
			g.Roots = append(g.Roots, id)
		}
	}

	g.Outputs = outputProperties(def.OutputSchema)
	sortStrings(g.Outputs)
	return g, nil
}

func checkTransitions(g *Graph, n *schema.NodeDefinition) error {
	defaults, conditional := 0, 0
	for j, t := range n.Transitions {
		if _, exists := g.Nodes[t.Target]; !exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s transition %d targets non-existent node: %s", n.ID, j, t.Target).WithNode(n.ID)
		}
		if t.Target == n.ID {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s transitions to itself", n.ID).WithNode(n.ID)
		}
		switch t.EffectiveKind() {
		case schema.TransitionCondition:
			if t.Condition == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "node %s transition %d is CONDITION without a condition", n.ID, j).WithNode(n.ID)
			}
			conditional++
		case schema.TransitionDefault:
			defaults++
		case schema.TransitionSuccess, schema.TransitionFailure:
			if t.Condition != "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "node %s transition %d: %s edges cannot carry a condition", n.ID, j, t.Kind).WithNode(n.ID)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s transition %d has unknown kind: %s", n.ID, j, t.Kind).WithNode(n.ID)
		}
	}
	if defaults > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has %d DEFAULT transitions, at most one allowed", n.ID, defaults).WithNode(n.ID)
	}
	if defaults == 1 && conditional == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has a DEFAULT transition without conditional transitions", n.ID).WithNode(n.ID)
	}
	return nil
}

// topoSort runs Kahn's algorithm over dependency and transition edges.
func topoSort(g *Graph) ([]string, error) {
	succ := make(map[string][]string, len(g.Nodes))
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	addEdge := func(from, to string) {
		for _, s := range succ[from] {
			if s == to {
				return
			}
		}
		succ[from] = append(succ[from], to)
		inDegree[to]++
	}
	for id, deps := range g.Deps {
		for _, dep := range deps {
			addEdge(dep, id)
		}
	}
	for target, sources := range g.Sources {
		for _, src := range sources {
			addEdge(src, target)
		}
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort for deterministic ordering.
	sortStrings(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := make([]string, len(succ[node]))
		copy(next, succ[node])
		sortStrings(next)
		for _, s := range next {
			inDegree[s]--
			if inDegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sortStrings(cyclic)
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow contains a cycle").
			WithDetails(map[string]any{"nodes": cyclic})
	}
	return sorted, nil
}

// Reachable returns the nodes reachable from the roots along any edge.
func (g *Graph) Reachable() map[string]bool {
	reachable := make(map[string]bool, len(g.Nodes))
	queue := append([]string(nil), g.Roots...)
	for _, r := range g.Roots {
		reachable[r] = true
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		next := append([]string(nil), g.Dependents[node]...)
		for _, t := range g.Outgoing[node] {
			next = append(next, t.Target)
		}
		for _, n := range next {
			if !reachable[n] {
				reachable[n] = true
				queue = append(queue, n)
			}
		}
	}
	return reachable
}

// HasFailureEdge reports whether the node routes its own failure somewhere.
func (g *Graph) HasFailureEdge(nodeID string) bool {
	for _, t := range g.Outgoing[nodeID] {
		if t.EffectiveKind() == schema.TransitionFailure {
			return true
		}
	}
	return false
}

func outputProperties(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	return names
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Node lists are small.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
