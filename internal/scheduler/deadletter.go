package scheduler

import (
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// DeadLetter is a task that exhausted its retries or could not be processed.
type DeadLetter struct {
	RunID        string            `json:"run_id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	NodeID       string            `json:"node_id"`
	ExecutorType string            `json:"executor_type,omitempty"`
	Attempt      int               `json:"attempt"`
	Reason       string            `json:"reason"`
	Error        *schema.NodeError `json:"error,omitempty"`
	At           time.Time         `json:"at"`
}

// deadLetterQueue keeps the most recent entries up to capacity.
type deadLetterQueue struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
	dropped  int64
}

func newDeadLetterQueue(capacity int) *deadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &deadLetterQueue{capacity: capacity}
}

func (q *deadLetterQueue) push(e DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == q.capacity {
		q.entries = q.entries[1:]
		q.dropped++
	}
	q.entries = append(q.entries, e)
}

func (q *deadLetterQueue) list() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.entries...)
}

func (q *deadLetterQueue) forRun(runID string) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []DeadLetter
	for _, e := range q.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}
