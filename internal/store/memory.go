package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// MemoryStore is an in-process Store. Runs are stored as deep copies so
// callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*schema.WorkflowRun
	events    map[string][]*schema.ExecutionEvent
	processed map[ResultKey]time.Time
	callbacks map[string]*schema.CallbackRegistration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*schema.WorkflowRun),
		events:    make(map[string][]*schema.ExecutionEvent),
		processed: make(map[ResultKey]time.Time),
		callbacks: make(map[string]*schema.CallbackRegistration),
	}
}

func (s *MemoryStore) Create(_ context.Context, run *schema.WorkflowRun, events []*schema.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	run.Version = 1
	stamp(run, events, 1, run.Version)
	s.runs[run.ID] = run.Clone()
	s.events[run.ID] = cloneEvents(events)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := m.Run
	current, ok := s.runs[run.ID]
	if !ok {
		return runNotFound(run.ID)
	}
	if current.Version != m.ExpectedVersion {
		return versionConflict(run.ID, m.ExpectedVersion, current.Version)
	}
	for _, k := range m.Processed {
		if _, done := s.processed[k]; done {
			return schema.NewErrorf(schema.ErrCodeConflict, "result for %s/%s attempt %d already applied", k.RunID, k.NodeID, k.Attempt)
		}
	}
	for _, id := range m.Consumed {
		cb, ok := s.callbacks[id]
		if !ok {
			return callbackNotFound(id)
		}
		if cb.Consumed() {
			return callbackConsumed(id)
		}
	}

	now := time.Now().UTC()
	run.Version = m.ExpectedVersion + 1
	stamp(run, m.Events, int64(len(s.events[run.ID]))+1, run.Version)
	s.runs[run.ID] = run.Clone()
	s.events[run.ID] = append(s.events[run.ID], cloneEvents(m.Events)...)
	for _, k := range m.Processed {
		s.processed[k] = now
	}
	for _, id := range m.Consumed {
		s.callbacks[id].ConsumedAt = &now
	}
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, runID string) (*schema.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, runNotFound(runID)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Snapshot(_ context.Context, runID, tenantID string) (*schema.WorkflowRunSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok || (tenantID != "" && run.TenantID != tenantID) {
		return nil, runNotFound(runID)
	}
	return schema.SnapshotOf(run), nil
}

func (s *MemoryStore) Query(_ context.Context, q RunQuery) ([]*schema.WorkflowRunSnapshot, error) {
	s.mu.RLock()
	var matched []*schema.WorkflowRun
	for _, run := range s.runs {
		if q.matches(run) {
			matched = append(matched, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*schema.WorkflowRunSnapshot, 0, len(matched))
	for _, run := range matched {
		out = append(out, schema.SnapshotOf(run))
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *schema.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[event.RunID]
	if !ok {
		return runNotFound(event.RunID)
	}
	events := []*schema.ExecutionEvent{event}
	stamp(run, events, int64(len(s.events[run.ID]))+1, run.Version)
	s.events[run.ID] = append(s.events[run.ID], cloneEvents(events)...)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, runID string, since int64) ([]*schema.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.ExecutionEvent
	for _, ev := range s.events[runID] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return cloneEvents(out), nil
}

func (s *MemoryStore) IsNodeResultProcessed(_ context.Context, runID, nodeID string, attempt int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[ResultKey{RunID: runID, NodeID: nodeID, Attempt: attempt}]
	return ok, nil
}

func (s *MemoryStore) SaveCallback(_ context.Context, reg *schema.CallbackRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg.CreatedAt = timeOrNow(reg.CreatedAt)
	c := *reg
	s.callbacks[reg.ID] = &c
	return nil
}

func (s *MemoryStore) GetCallback(_ context.Context, id string) (*schema.CallbackRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cb, ok := s.callbacks[id]
	if !ok {
		return nil, callbackNotFound(id)
	}
	c := *cb
	return &c, nil
}

func (s *MemoryStore) ConsumeCallback(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.callbacks[id]
	if !ok {
		return callbackNotFound(id)
	}
	if cb.Consumed() {
		return callbackConsumed(id)
	}
	now := time.Now().UTC()
	cb.ConsumedAt = &now
	return nil
}

func (s *MemoryStore) ListCallbacks(_ context.Context, q CallbackQuery) ([]*schema.CallbackRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.CallbackRegistration
	for _, cb := range s.callbacks {
		if q.matches(cb) {
			c := *cb
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneEvents(events []*schema.ExecutionEvent) []*schema.ExecutionEvent {
	out := make([]*schema.ExecutionEvent, len(events))
	for i, ev := range events {
		c := *ev
		c.Payload = append([]byte(nil), ev.Payload...)
		out[i] = &c
	}
	return out
}
