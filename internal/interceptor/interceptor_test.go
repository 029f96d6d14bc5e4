package interceptor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

type stage struct {
	Base
	name  string
	order int
	rec   *recorder
	fail  bool
	boom  bool
}

func (p *stage) Name() string { return p.name }
func (p *stage) Order() int { return p.order }

func (p *stage) hit(hook string) error {
	p.rec.add(p.name + ":" + hook)
	if p.boom {
		panic("boom")
	}
	if p.fail {
		return errors.New("hook failed")
	}
	return nil
}

func (p *stage) BeforeWorkflow(context.Context, *schema.WorkflowRun) error { return p.hit("bw") }
func (p *stage) BeforeNode(context.Context, schema.NodeExecutionTask) error { return p.hit("bn") }
func (p *stage) AfterNode(context.Context, schema.NodeExecutionTask, schema.NodeResult) error {
	return p.hit("an")
}
func (p *stage) AfterWorkflow(context.Context, *schema.WorkflowRun) error { return p.hit("aw") }
func (p *stage) OnFailure(context.Context, *schema.WorkflowRun, *schema.NodeError) error {
	return p.hit("of")
}
func (p *stage) OnEvent(context.Context, schema.ExecutionEvent) error { return p.hit("ev") }

func TestPipeline_Ordering(t *testing.T) {
	rec := &recorder{}
	p := NewPipeline(nil,
		&stage{name: "b", order: 10, rec: rec},
		&stage{name: "a", order: 1, rec: rec},
		&stage{name: "c", order: 10, rec: rec},
	)
	assert.Equal(t, []string{"a", "b", "c"}, p.List(), "ties keep registration order")
	assert.Equal(t, 3, p.Count())

	ctx := context.Background()
	run := &schema.WorkflowRun{ID: "r1"}
	p.BeforeWorkflow(ctx, run)
	p.AfterWorkflow(ctx, run)
	assert.Equal(t, []string{"a:bw", "b:bw", "c:bw", "c:aw", "b:aw", "a:aw"}, rec.calls)

	rec.calls = nil
	task := schema.NodeExecutionTask{RunID: "r1", NodeID: "n", Attempt: 1}
	p.BeforeNode(ctx, task)
	p.AfterNode(ctx, task, schema.NodeResult{Status: schema.ResultSucceeded})
	assert.Equal(t, []string{"a:bn", "b:bn", "c:bn", "c:an", "b:an", "a:an"}, rec.calls)
}

func TestPipeline_IsolatesErrorsAndPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rec := &recorder{}
	p := NewPipeline(logger,
		&stage{name: "failing", order: 1, rec: rec, fail: true},
		&stage{name: "panicking", order: 2, rec: rec, boom: true},
		&stage{name: "healthy", order: 3, rec: rec},
	)

	require.NotPanics(t, func() {
		p.OnEvent(context.Background(), schema.ExecutionEvent{Type: schema.EventNodeStarted})
		p.OnFailure(context.Background(), &schema.WorkflowRun{}, nil)
	})
	assert.Equal(t, []string{"failing:ev", "panicking:ev", "healthy:ev", "healthy:of", "panicking:of", "failing:of"}, rec.calls)
	assert.Contains(t, buf.String(), "interceptor=failing")
	assert.Contains(t, buf.String(), "panic: boom")
}

func TestPipeline_RegisterIgnoresNil(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(nil)
	assert.Zero(t, p.Count())
}

func TestLogging_WritesLifecycle(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogging(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	l.Events = true
	p := NewPipeline(nil, l)

	ctx := context.Background()
	p.BeforeWorkflow(ctx, &schema.WorkflowRun{DefinitionID: "orders"})
	p.AfterNode(ctx, schema.NodeExecutionTask{Attempt: 2}, schema.NodeResult{
		Status: schema.ResultFailed,
		Error:  &schema.NodeError{Code: "DECLINED", Message: "card declined"},
	})
	p.OnFailure(ctx, &schema.WorkflowRun{FailureReason: "node pay failed"}, &schema.NodeError{Code: "DECLINED"})
	p.OnEvent(ctx, schema.ExecutionEvent{RunID: "r1", Type: schema.EventWorkflowFailed, Sequence: 4})

	out := buf.String()
	assert.Contains(t, out, `"msg":"run started"`)
	assert.Contains(t, out, `"code":"DECLINED"`)
	assert.Contains(t, out, `"msg":"run failed"`)
	assert.Contains(t, out, `"type":"workflow_failed"`)
}

func TestMetrics_TracksNodesAndRuns(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	task := schema.NodeExecutionTask{RunID: "m1", NodeID: "a", Attempt: 1}
	require.NoError(t, m.BeforeNode(ctx, task))
	require.NoError(t, m.BeforeNode(ctx, schema.NodeExecutionTask{RunID: "m1", NodeID: "b", Attempt: 1}))
	assert.Equal(t, 2, m.Pending())

	require.NoError(t, m.AfterNode(ctx, task, schema.NodeResult{Status: schema.ResultSucceeded}))
	assert.Equal(t, 1, m.Pending())

	before := runsFinished(t, "CANCELLED")
	require.NoError(t, m.AfterWorkflow(ctx, &schema.WorkflowRun{ID: "m1", Status: schema.RunStatusCancelled}))
	assert.Equal(t, before+1, runsFinished(t, "CANCELLED"))
	assert.Zero(t, m.Pending(), "run end drops attempts that never reported")
}

func runsFinished(t *testing.T, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "flowcore_runs_finished_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == status {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
