// Package definitions supplies published workflow definitions to the engine.
package definitions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/flowcore/pkg/schema"
)

// Source resolves published definitions by ID.
type Source interface {
	// Get returns the current definition, or WORKFLOW_NOT_FOUND for unknown IDs.
	Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	// Revision returns a specific published revision, even one that was
	// since replaced or removed.
	Revision(ctx context.Context, id, revision string) (*schema.WorkflowDefinition, error)
	List(ctx context.Context) ([]string, error)
}

// Validator checks a definition before it is published.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

func notFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow definition %q not found", id)
}

type revisionKey struct{ id, revision string }

// MemorySource keeps definitions in a map. Published definitions are
// replaced, never mutated, and every revision stays resolvable.
type MemorySource struct {
	mu        sync.RWMutex
	defs      map[string]*schema.WorkflowDefinition
	revisions map[revisionKey]*schema.WorkflowDefinition
	validator Validator
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty source. validator may be nil.
func NewMemorySource(validator Validator) *MemorySource {
	return &MemorySource{
		defs:      make(map[string]*schema.WorkflowDefinition),
		revisions: make(map[revisionKey]*schema.WorkflowDefinition),
		validator: validator,
	}
}

// Put publishes a definition, replacing any previous one with the same ID.
func (s *MemorySource) Put(def *schema.WorkflowDefinition) error {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}
	if s.validator != nil {
		if err := s.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.defs[def.ID] = def
	s.retain(def)
	s.mu.Unlock()
	return nil
}

// retain records def as a resolvable revision. The first publication of a
// revision wins. Callers hold s.mu.
func (s *MemorySource) retain(def *schema.WorkflowDefinition) {
	key := revisionKey{def.ID, def.Revision()}
	if _, ok := s.revisions[key]; !ok {
		s.revisions[key] = def
	}
}

// Remove unpublishes a definition. New runs can no longer start on it;
// runs already pinned to one of its revisions are unaffected.
func (s *MemorySource) Remove(id string) {
	s.mu.Lock()
	delete(s.defs, id)
	s.mu.Unlock()
}

func (s *MemorySource) Get(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, notFound(id)
	}
	return def, nil
}

func (s *MemorySource) Revision(_ context.Context, id, revision string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.revisions[revisionKey{id, revision}]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow definition %q revision %s not found", id, revision)
	}
	return def, nil
}

func (s *MemorySource) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// replace swaps the whole set at once.
func (s *MemorySource) replace(defs map[string]*schema.WorkflowDefinition) {
	s.mu.Lock()
	s.defs = defs
	for _, def := range defs {
		s.retain(def)
	}
	s.mu.Unlock()
}
