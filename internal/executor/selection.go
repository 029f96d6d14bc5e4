package executor

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowcore/pkg/schema"
)

// SelectionContext carries what a strategy may key its choice on.
type SelectionContext struct {
	RunID        string
	TenantID     string
	NodeID       string
	ExecutorType string
	Attempt      int
}

// SelectionStrategy picks one executor from a non-empty candidate list.
// Implementations must be safe for concurrent use.
type SelectionStrategy interface {
	Name() string
	Pick(candidates []schema.ExecutorInfo, sc SelectionContext) schema.ExecutorInfo
}

// RoundRobin rotates fairly across candidates, with one counter per executor type.
type RoundRobin struct {
	counters sync.Map // executor type -> *atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Pick(candidates []schema.ExecutorInfo, sc SelectionContext) schema.ExecutorInfo {
	key := sc.ExecutorType
	if key == "" {
		key = candidates[0].Type
	}
	v, _ := r.counters.LoadOrStore(key, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// Random picks uniformly at random.
type Random struct{}

func (Random) Name() string { return "random" }

func (Random) Pick(candidates []schema.ExecutorInfo, _ SelectionContext) schema.ExecutorInfo {
	return candidates[rand.IntN(len(candidates))]
}

// StrategyByName resolves a configured strategy name. Unknown names fall back to round robin.
func StrategyByName(name string) SelectionStrategy {
	if name == "random" {
		return Random{}
	}
	return NewRoundRobin()
}
