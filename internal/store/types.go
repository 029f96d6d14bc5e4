package store

import (
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// RunQuery filters runs for Query.
type RunQuery struct {
	TenantID     string
	DefinitionID string
	Statuses     []schema.RunStatus
	CreatedAfter *time.Time
	Limit        int
	Offset       int
}

// ResultKey identifies one node attempt whose result has been applied.
type ResultKey struct {
	RunID   string
	NodeID  string
	Attempt int
}

// Mutation is one atomic change to a run. The snapshot is written only if the
// stored version equals ExpectedVersion; on success the run version becomes
// ExpectedVersion+1 and every event is stamped with it.
type Mutation struct {
	Run             *schema.WorkflowRun
	ExpectedVersion int64
	Events          []*schema.ExecutionEvent
	// Processed marks node attempts whose results this mutation applies.
	Processed []ResultKey
	// Consumed lists callback registrations used by this mutation. Consuming an
	// already-consumed registration fails the whole mutation.
	Consumed []string
}

// CallbackQuery filters callback registrations.
type CallbackQuery struct {
	RunID  string
	Kind   schema.CallbackKind
	NodeID string
	// DueBefore selects timers whose FireAt is at or before the instant.
	DueBefore *time.Time
	// ExpiredBefore selects registrations whose ExpiresAt is at or before the instant.
	ExpiredBefore *time.Time
	Unconsumed    bool
}

func (q CallbackQuery) matches(c *schema.CallbackRegistration) bool {
	if q.RunID != "" && c.RunID != q.RunID {
		return false
	}
	if q.Kind != "" && c.Kind != q.Kind {
		return false
	}
	if q.NodeID != "" && c.NodeID != q.NodeID {
		return false
	}
	if q.Unconsumed && c.Consumed() {
		return false
	}
	if q.DueBefore != nil && (c.FireAt == nil || c.FireAt.After(*q.DueBefore)) {
		return false
	}
	if q.ExpiredBefore != nil && (c.ExpiresAt.IsZero() || c.ExpiresAt.After(*q.ExpiredBefore)) {
		return false
	}
	return true
}

func (q RunQuery) matches(r *schema.WorkflowRun) bool {
	if q.TenantID != "" && r.TenantID != q.TenantID {
		return false
	}
	if q.DefinitionID != "" && r.DefinitionID != q.DefinitionID {
		return false
	}
	if q.CreatedAfter != nil && !r.CreatedAt.After(*q.CreatedAfter) {
		return false
	}
	if len(q.Statuses) > 0 {
		for _, s := range q.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
