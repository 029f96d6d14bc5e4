// Package interceptor runs ordered hooks around run and node lifecycle points.
// Hooks observe; they never change the outcome of the operation they wrap.
package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// Interceptor receives lifecycle callbacks. Lower Order values run first for
// before hooks and last for after hooks.
type Interceptor interface {
	Name() string
	Order() int
	BeforeWorkflow(ctx context.Context, run *schema.WorkflowRun) error
	BeforeNode(ctx context.Context, task schema.NodeExecutionTask) error
	AfterNode(ctx context.Context, task schema.NodeExecutionTask, result schema.NodeResult) error
	AfterWorkflow(ctx context.Context, run *schema.WorkflowRun) error
	OnFailure(ctx context.Context, run *schema.WorkflowRun, cause *schema.NodeError) error
	OnEvent(ctx context.Context, event schema.ExecutionEvent) error
}

// Base implements every hook as a no-op. Embed it and override what you need.
type Base struct{}

func (Base) Order() int { return 0 }

func (Base) BeforeWorkflow(context.Context, *schema.WorkflowRun) error { return nil }

func (Base) BeforeNode(context.Context, schema.NodeExecutionTask) error { return nil }

func (Base) AfterNode(context.Context, schema.NodeExecutionTask, schema.NodeResult) error {
	return nil
}

func (Base) AfterWorkflow(context.Context, *schema.WorkflowRun) error { return nil }

func (Base) OnFailure(context.Context, *schema.WorkflowRun, *schema.NodeError) error { return nil }

func (Base) OnEvent(context.Context, schema.ExecutionEvent) error { return nil }

// Pipeline holds registered interceptors sorted by Order. Registration order
// breaks ties.
type Pipeline struct {
	mu     sync.RWMutex
	chain  []Interceptor
	logger *slog.Logger
}

// NewPipeline creates a Pipeline. logger may be nil.
func NewPipeline(logger *slog.Logger, interceptors ...Interceptor) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{logger: logger.With(slog.String("component", "interceptors"))}
	for _, i := range interceptors {
		p.Register(i)
	}
	return p
}

// Register adds an interceptor. Nil values are ignored.
func (p *Pipeline) Register(i Interceptor) {
	if i == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = append(p.chain, i)
	sort.SliceStable(p.chain, func(a, b int) bool { return p.chain[a].Order() < p.chain[b].Order() })
}

// List returns interceptor names in before-hook order.
func (p *Pipeline) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.chain))
	for i, ic := range p.chain {
		names[i] = ic.Name()
	}
	return names
}

func (p *Pipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.chain)
}

func (p *Pipeline) snapshot(reverse bool) []Interceptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Interceptor, len(p.chain))
	copy(out, p.chain)
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// BeforeWorkflow runs in ascending order.
func (p *Pipeline) BeforeWorkflow(ctx context.Context, run *schema.WorkflowRun) {
	p.each(ctx, "before_workflow", false, func(i Interceptor) error { return i.BeforeWorkflow(ctx, run) })
}

// BeforeNode runs in ascending order.
func (p *Pipeline) BeforeNode(ctx context.Context, task schema.NodeExecutionTask) {
	p.each(ctx, "before_node", false, func(i Interceptor) error { return i.BeforeNode(ctx, task) })
}

// AfterNode runs in descending order.
func (p *Pipeline) AfterNode(ctx context.Context, task schema.NodeExecutionTask, result schema.NodeResult) {
	p.each(ctx, "after_node", true, func(i Interceptor) error { return i.AfterNode(ctx, task, result) })
}

// AfterWorkflow runs in descending order.
func (p *Pipeline) AfterWorkflow(ctx context.Context, run *schema.WorkflowRun) {
	p.each(ctx, "after_workflow", true, func(i Interceptor) error { return i.AfterWorkflow(ctx, run) })
}

// OnFailure runs in descending order.
func (p *Pipeline) OnFailure(ctx context.Context, run *schema.WorkflowRun, cause *schema.NodeError) {
	p.each(ctx, "on_failure", true, func(i Interceptor) error { return i.OnFailure(ctx, run, cause) })
}

// OnEvent runs in ascending order. It satisfies scheduler.EventObserver.
func (p *Pipeline) OnEvent(ctx context.Context, event schema.ExecutionEvent) {
	p.each(ctx, "on_event", false, func(i Interceptor) error { return i.OnEvent(ctx, event) })
}

// each invokes hook on every interceptor. A failing or panicking interceptor
// is logged and the rest still run.
func (p *Pipeline) each(ctx context.Context, hook string, reverse bool, call func(Interceptor) error) {
	for _, ic := range p.snapshot(reverse) {
		if err := p.invoke(ic, call); err != nil {
			logging.LogWith(ctx, p.logger).Warn("interceptor hook failed",
				slog.String("interceptor", ic.Name()),
				slog.String("hook", hook),
				slog.Any("error", err))
		}
	}
}

func (p *Pipeline) invoke(ic Interceptor, call func(Interceptor) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(ic)
}
