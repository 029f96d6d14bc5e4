package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/metrics"
	"github.com/rendis/flowcore/pkg/schema"
)

// Logging writes one structured record per lifecycle point.
type Logging struct {
	Base
	logger *slog.Logger
	// Events also logs every published event at debug level.
	Events bool
}

// NewLogging creates a Logging interceptor. logger may be nil.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger.With(slog.String("component", "lifecycle"))}
}

func (l *Logging) Name() string { return "logging" }

func (l *Logging) Order() int { return -100 }

func (l *Logging) BeforeWorkflow(ctx context.Context, run *schema.WorkflowRun) error {
	logging.LogWith(ctx, l.logger).Info("run started",
		slog.String("definition_id", run.DefinitionID))
	return nil
}

func (l *Logging) BeforeNode(ctx context.Context, task schema.NodeExecutionTask) error {
	logging.LogWith(ctx, l.logger).Debug("node dispatched",
		slog.String("executor_type", task.ExecutorType),
		slog.Int("attempt", task.Attempt),
		slog.Bool("compensation", task.Compensation))
	return nil
}

func (l *Logging) AfterNode(ctx context.Context, task schema.NodeExecutionTask, result schema.NodeResult) error {
	log := logging.LogWith(ctx, l.logger)
	if result.Status == schema.ResultSucceeded {
		log.Debug("node result", slog.String("status", string(result.Status)), slog.Int("attempt", task.Attempt))
		return nil
	}
	attrs := []any{slog.String("status", string(result.Status)), slog.Int("attempt", task.Attempt)}
	if result.Error != nil {
		attrs = append(attrs, slog.String("code", result.Error.Code), slog.String("error", result.Error.Message))
	}
	log.Warn("node result", attrs...)
	return nil
}

func (l *Logging) AfterWorkflow(ctx context.Context, run *schema.WorkflowRun) error {
	logging.LogWith(ctx, l.logger).Info("run finished",
		slog.String("status", string(run.Status)),
		slog.Int("nodes", len(run.ExecutionPath)))
	return nil
}

func (l *Logging) OnFailure(ctx context.Context, run *schema.WorkflowRun, cause *schema.NodeError) error {
	attrs := []any{slog.String("reason", run.FailureReason)}
	if cause != nil {
		attrs = append(attrs, slog.String("code", cause.Code))
	}
	logging.LogWith(ctx, l.logger).Error("run failed", attrs...)
	return nil
}

func (l *Logging) OnEvent(ctx context.Context, ev schema.ExecutionEvent) error {
	if l.Events {
		l.logger.DebugContext(ctx, "event",
			slog.String("run_id", ev.RunID),
			slog.String("type", ev.Type),
			slog.Int64("sequence", ev.Sequence))
	}
	return nil
}

// Metrics feeds run outcomes and node latencies to Prometheus.
type Metrics struct {
	Base
	mu      sync.Mutex
	started map[string]time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{started: make(map[string]time.Time)}
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Order() int { return -200 }

func (m *Metrics) BeforeNode(_ context.Context, task schema.NodeExecutionTask) error {
	m.mu.Lock()
	m.started[attemptKey(task.RunID, task.NodeID, task.Attempt)] = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Metrics) AfterNode(_ context.Context, task schema.NodeExecutionTask, result schema.NodeResult) error {
	key := attemptKey(task.RunID, task.NodeID, task.Attempt)
	m.mu.Lock()
	start, ok := m.started[key]
	delete(m.started, key)
	m.mu.Unlock()
	if ok {
		metrics.ObserveNode(string(result.Status), time.Since(start))
	}
	return nil
}

// AfterWorkflow also drops timings of attempts whose results were discarded.
func (m *Metrics) AfterWorkflow(_ context.Context, run *schema.WorkflowRun) error {
	metrics.RecordRunFinished(string(run.Status))
	prefix := run.ID + "/"
	m.mu.Lock()
	for k := range m.started {
		if strings.HasPrefix(k, prefix) {
			delete(m.started, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Pending returns the number of node attempts started but not yet finished.
func (m *Metrics) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

func attemptKey(runID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, nodeID, attempt)
}
