package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// MemoryStore is a goroutine-safe Store backed by maps. Values are copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	steps      map[string][]*StepDefinition
	events     map[string]*schema.EventRecord
	executions map[string]*Execution
	history    map[string][]*HistoryEntry
	learned    map[string]map[string]*LearnedField
	historyID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*Workflow),
		steps:      make(map[string][]*StepDefinition),
		events:     make(map[string]*schema.EventRecord),
		executions: make(map[string]*Execution),
		history:    make(map[string][]*HistoryEntry),
		learned:    make(map[string]map[string]*LearnedField),
	}
}

var _ Store = (*MemoryStore)(nil)

var _ Store = (*LibSQLStore)(nil)

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Vacuum(context.Context) error  { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = time.Now().UTC()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, id string, update WorkflowUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return storeNotFound("workflow", id)
	}
	if update.Name != nil {
		wf.Name = *update.Name
	}
	if update.Description != nil {
		wf.Description = *update.Description
	}
	if update.Enabled != nil {
		wf.Enabled = *update.Enabled
	}
	if update.Active != nil {
		wf.Active = *update.Active
	}
	if update.Draft != nil {
		wf.Draft = *update.Draft
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Workflow
	for _, wf := range s.workflows {
		if filter.EventName != "" && wf.EventName != filter.EventName {
			continue
		}
		if filter.ActiveOnly && !(wf.Active && wf.Enabled) {
			continue
		}
		cp := *wf
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	delete(s.steps, id)
	for execID, exec := range s.executions {
		if exec.WorkflowID == id {
			delete(s.executions, execID)
			delete(s.history, execID)
		}
	}
	return nil
}

// --- Steps ---

func (s *MemoryStore) ReplaceSteps(_ context.Context, workflowID string, steps []*StepDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return storeNotFound("workflow", workflowID)
	}
	seen := make(map[int]bool, len(steps))
	copied := make([]*StepDefinition, 0, len(steps))
	for _, st := range steps {
		if seen[st.Position] {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate step id or position %d in workflow %q", st.Position, workflowID)
		}
		seen[st.Position] = true
		st.WorkflowID = workflowID
		cp := *st
		cp.Config = cloneRaw(st.Config)
		copied = append(copied, &cp)
	}
	sort.Slice(copied, func(i, j int) bool { return copied[i].Position < copied[j].Position })
	s.steps[workflowID] = copied
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, workflowID string) ([]*StepDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StepDefinition, 0, len(s.steps[workflowID]))
	for _, st := range s.steps[workflowID] {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) CreateEvent(_ context.Context, ev *schema.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "event %q already exists", ev.ID)
	}
	ev.CreatedAt = timeOrNow(ev.CreatedAt)
	cp := *ev
	cp.Data = cloneRaw(ev.Data)
	cp.LogExtra = cloneRaw(ev.LogExtra)
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*schema.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, storeNotFound("event", id)
	}
	cp := *ev
	return &cp, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if _, ok := s.workflows[exec.WorkflowID]; !ok {
		return storeNotFound("workflow", exec.WorkflowID)
	}
	if _, ok := s.events[exec.EventID]; !ok {
		return storeNotFound("event", exec.EventID)
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(exec), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Execution
	for _, exec := range s.executions {
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.EventID != "" && exec.EventID != filter.EventID {
			continue
		}
		if filter.ClaimedBefore != nil && (exec.ClaimedAt == nil || !exec.ClaimedAt.Before(*filter.ClaimedBefore)) {
			continue
		}
		result = append(result, cloneExecution(exec))
	}
	sortExecutions(result)
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.ExpectStatus != nil && exec.Status != *update.ExpectStatus {
		return updateConflict(id)
	}
	if update.ExpectClaimedBy != "" && exec.ClaimedBy != update.ExpectClaimedBy {
		return updateConflict(id)
	}
	if update.ExpectClaimedBefore != nil && (exec.ClaimedAt == nil || !exec.ClaimedAt.Before(*update.ExpectClaimedBefore)) {
		return updateConflict(id)
	}

	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Attempts != nil {
		exec.Attempts = *update.Attempts
	}
	if update.LastCompletedStep != nil {
		exec.LastCompletedStep = *update.LastCompletedStep
	}
	if update.Results != nil {
		exec.Results = cloneResults(update.Results)
	}
	if update.LastError != nil {
		exec.LastError = cloneRaw(update.LastError)
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		exec.NextRunAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		exec.FinishedAt = &t
	}
	if update.ReleaseClaim {
		exec.ClaimedBy = ""
		exec.ClaimedAt = nil
	} else if update.ClaimedAt != nil {
		t := *update.ClaimedAt
		exec.ClaimedAt = &t
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClaimExecution(_ context.Context, id, workerID string, now time.Time) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return s.claimLocked(exec, workerID, now)
}

func (s *MemoryStore) ClaimDue(_ context.Context, workerID string, now time.Time, limit int) ([]*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}
	var due []*Execution
	for _, exec := range s.executions {
		if exec.Due(now) {
			due = append(due, exec)
		}
	}
	sortExecutions(due)

	var claims []*Claim
	for _, exec := range due {
		if len(claims) == limit {
			break
		}
		claim, err := s.claimLocked(exec, workerID, now)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

func (s *MemoryStore) claimLocked(exec *Execution, workerID string, now time.Time) (*Claim, error) {
	if !exec.Due(now) {
		return nil, claimConflict(exec.ID, exec.Status)
	}
	from := exec.Status
	at := now
	exec.Status = schema.ExecutionStatusRunning
	exec.ClaimedBy = workerID
	exec.ClaimedAt = &at
	exec.UpdatedAt = now
	return &Claim{Execution: cloneExecution(exec), From: from}, nil
}

func (s *MemoryStore) PurgeExecutions(_ context.Context, finishedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, exec := range s.executions {
		if exec.Status.Terminal() && exec.FinishedAt != nil && exec.FinishedAt.Before(finishedBefore) {
			delete(s.executions, id)
			delete(s.history, id)
			n++
		}
	}
	referenced := make(map[string]bool, len(s.executions))
	for _, exec := range s.executions {
		referenced[exec.EventID] = true
	}
	for id, ev := range s.events {
		if !referenced[id] && ev.CreatedAt.Before(finishedBefore) {
			delete(s.events, id)
		}
	}
	return n, nil
}

// --- History ---

func (s *MemoryStore) AppendHistory(_ context.Context, entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[entry.ExecutionID]; !ok {
		return storeNotFound("execution", entry.ExecutionID)
	}
	s.historyID++
	entry.ID = s.historyID
	entry.Sequence = int64(len(s.history[entry.ExecutionID]) + 1)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	cp := *entry
	cp.Payload = cloneRaw(entry.Payload)
	s.history[entry.ExecutionID] = append(s.history[entry.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, executionID string) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*HistoryEntry, 0, len(s.history[executionID]))
	for _, h := range s.history[executionID] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

// --- Field learning ---

func (s *MemoryStore) LearnFields(_ context.Context, eventName string, fieldTypes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, ok := s.learned[eventName]
	if !ok {
		known = make(map[string]*LearnedField)
		s.learned[eventName] = known
	}
	now := time.Now().UTC()
	for name, typ := range fieldTypes {
		known[name] = &LearnedField{EventName: eventName, Field: name, Type: typ, UpdatedAt: now}
	}
	return nil
}

func (s *MemoryStore) ListLearnedFields(_ context.Context, eventName string) ([]*LearnedField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*LearnedField
	for _, lf := range s.learned[eventName] {
		cp := *lf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

func sortExecutions(execs []*Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		}
		return execs[i].ID < execs[j].ID
	})
}

func cloneExecution(e *Execution) *Execution {
	cp := *e
	cp.Results = cloneResults(e.Results)
	cp.LastError = cloneRaw(e.LastError)
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		cp.ClaimedAt = &t
	}
	if e.NextRunAt != nil {
		t := *e.NextRunAt
		cp.NextRunAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func cloneResults(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
