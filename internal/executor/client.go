package executor

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// Request is what a client sends to an executor for one attempt.
type Request struct {
	Executor schema.ExecutorInfo      `json:"-"`
	Task     schema.NodeExecutionTask `json:"task"`
}

// Response is what an executor replies. Token must echo the dispatched token.
type Response struct {
	Token  string              `json:"token"`
	Status schema.ResultStatus `json:"status"`
	Output map[string]any      `json:"output,omitempty"`
	Error  *schema.NodeError   `json:"error,omitempty"`
}

// Client invokes one executor over a specific transport. Callers never see
// transport details: every failure comes back as an error to classify.
type Client interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// ClientFactory builds a client for an executor instance.
type ClientFactory func(info schema.ExecutorInfo) (Client, error)

func (r *Response) result(task *schema.NodeExecutionTask, executorID string) schema.NodeResult {
	return schema.NodeResult{
		RunID:      task.RunID,
		NodeID:     task.NodeID,
		Attempt:    task.Attempt,
		Token:      r.Token,
		Status:     r.Status,
		Output:     r.Output,
		Error:      r.Error,
		ExecutorID: executorID,
	}
}
