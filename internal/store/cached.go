package store

import (
	"context"
	"time"

	c "github.com/patrickmn/go-cache"
)

// CachedStore decorates a Store with an in-process cache of workflow
// definitions and their steps. Dispatch reads these on every event while
// they change only on admin writes, which flush the whole cache.
type CachedStore struct {
	Store
	cache *c.Cache
}

// NewCachedStore wraps inner. A ttl of zero keeps entries until the next write.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	exp := c.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	return &CachedStore{
		Store: inner,
		cache: c.New(exp, 10*time.Minute),
	}
}

func (s *CachedStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	key := "wf:" + id
	if v, found := s.cache.Get(key); found {
		cp := *v.(*Workflow)
		return &cp, nil
	}
	wf, err := s.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *wf
	s.cache.SetDefault(key, &cp)
	return wf, nil
}

func (s *CachedStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	// Only the dispatch lookup is cached.
	if filter.EventName == "" || !filter.ActiveOnly || filter.Limit > 0 {
		return s.Store.ListWorkflows(ctx, filter)
	}
	key := "active:" + filter.EventName
	if v, found := s.cache.Get(key); found {
		return copyWorkflows(v.([]*Workflow)), nil
	}
	wfs, err := s.Store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, copyWorkflows(wfs))
	return wfs, nil
}

func (s *CachedStore) ListSteps(ctx context.Context, workflowID string) ([]*StepDefinition, error) {
	key := "steps:" + workflowID
	if v, found := s.cache.Get(key); found {
		return copySteps(v.([]*StepDefinition)), nil
	}
	steps, err := s.Store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, copySteps(steps))
	return steps, nil
}

func (s *CachedStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	defer s.cache.Flush()
	return s.Store.CreateWorkflow(ctx, wf)
}

func (s *CachedStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	defer s.cache.Flush()
	return s.Store.UpdateWorkflow(ctx, id, update)
}

func (s *CachedStore) DeleteWorkflow(ctx context.Context, id string) error {
	defer s.cache.Flush()
	return s.Store.DeleteWorkflow(ctx, id)
}

func (s *CachedStore) ReplaceSteps(ctx context.Context, workflowID string, steps []*StepDefinition) error {
	defer s.cache.Flush()
	return s.Store.ReplaceSteps(ctx, workflowID, steps)
}

// Invalidate drops every cached entry.
func (s *CachedStore) Invalidate() { s.cache.Flush() }

func copyWorkflows(in []*Workflow) []*Workflow {
	out := make([]*Workflow, len(in))
	for i, wf := range in {
		cp := *wf
		out[i] = &cp
	}
	return out
}

func copySteps(in []*StepDefinition) []*StepDefinition {
	out := make([]*StepDefinition, len(in))
	for i, st := range in {
		cp := *st
		out[i] = &cp
	}
	return out
}
