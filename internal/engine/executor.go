package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/internal/logging"
	"github.com/rendis/eventflow/internal/steps"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	Retry          schema.RetryPolicy
	LearnFields    bool                  // record seeded field names per event name
	CircuitBreaker *CircuitBreakerConfig // per step class breaker for actions (nil = defaults)
	LeaseRenewal   time.Duration         // claim heartbeat while a step runs (0 = renew between steps only)
	Logger         *slog.Logger
}

// RunResult summarizes one execution attempt.
type RunResult struct {
	ExecutionID       string                 `json:"execution_id"`
	WorkflowID        string                 `json:"workflow_id"`
	Status            schema.ExecutionStatus `json:"status"`
	Attempts          int                    `json:"attempts"`
	LastCompletedStep int                    `json:"last_completed_step"`
	Results           map[string]any         `json:"results,omitempty"`
	Filtered          bool                   `json:"filtered,omitempty"`
	NextRunAt         *time.Time             `json:"next_run_at,omitempty"`
	Error             *schema.Error          `json:"error,omitempty"`
}

// Executor runs claimed executions through their workflow's step pipeline.
type Executor struct {
	store    store.Store
	registry *steps.Registry
	fsm      *ExecutionFSM
	breakers *CircuitBreakerRegistry
	config   ExecutorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// executionRun tracks the in-memory state of one attempt.
type executionRun struct {
	exec    *store.Execution
	worker  string
	last    int
	results map[string]any
}

// NewExecutor creates an Executor backed by the given store and step registry.
func NewExecutor(s store.Store, registry *steps.Registry, cfg ExecutorConfig) *Executor {
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    s,
		registry: registry,
		fsm:      NewExecutionFSM(s),
		breakers: NewCircuitBreakerRegistry(cbConfig),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// FSM exposes the execution state machine for hook registration.
func (e *Executor) FSM() *ExecutionFSM { return e.fsm }

// Breakers exposes the per step class circuit breakers.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Run executes a claimed execution from the step after its last completed
// position. Step failures are persisted as RETRY_SCHEDULED or FAILED and
// reported in the result, not as an error. An error is returned only when
// the outcome could not be persisted, in which case the execution stays
// running until its lease expires.
func (e *Executor) Run(ctx context.Context, claim *store.Claim) (*RunResult, error) {
	if claim == nil || claim.Execution == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "claim is nil")
	}
	exec := claim.Execution
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)
	log := logging.LogWith(ctx, e.logger)

	if err := e.fsm.Transition(ctx, Transition{
		ExecutionID: exec.ID,
		From:        claim.From,
		To:          schema.ExecutionStatusRunning,
		Step:        exec.LastCompletedStep,
		Detail:      map[string]any{"worker": exec.ClaimedBy, "attempts": exec.Attempts},
	}, nil); err != nil {
		return nil, err
	}

	run := &executionRun{
		exec:    exec,
		worker:  exec.ClaimedBy,
		last:    exec.LastCompletedStep,
		results: fields.Merge(nil, exec.Results),
	}
	log.Debug("execution started", slog.Int("attempts", exec.Attempts), slog.Int("resume_after", run.last))

	event, err := e.restoreEvent(ctx, exec.EventID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeEventRestore) {
			return e.finishFailure(ctx, run, err, 0)
		}
		return nil, err
	}

	defs, err := e.store.ListSteps(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	e.learn(ctx, event)
	ns := fields.Aggregate(event.Payload, event.Extras, run.results)

	for _, def := range defs {
		if def.Position <= run.last {
			continue
		}
		label := fmt.Sprintf("%d:%s", def.Position, def.Class)
		stepCtx := logging.WithStep(ctx, label)

		step, err := e.registry.Construct(def.Class, def.Config)
		if err != nil {
			return e.finishFailure(ctx, run, withStep(err, label), def.Position)
		}
		kind, _ := e.registry.Kind(def.Class)

		if exec.Draft && kind == schema.StepTypeAction {
			if err := e.advance(stepCtx, run, def.Position); err != nil {
				return nil, err
			}
			e.recordStep(stepCtx, exec.ID, schema.HistoryStepSkipped, def, map[string]any{"reason": "draft"})
			continue
		}

		if err := e.renewLease(stepCtx, run); err != nil {
			return nil, err
		}
		stop := e.heartbeat(stepCtx, run)
		out, err := e.executeStep(stepCtx, run, def, kind, step, ns, event)
		stop()
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("execution interrupted", slog.String("step", label), slog.String("error", ctx.Err().Error()))
				return nil, ctx.Err()
			}
			return e.finishFailure(ctx, run, withStep(err, label), def.Position)
		}

		ns = ns.Overlay(out.Fields)
		run.results = fields.Merge(run.results, out.Fields)
		if err := e.advance(stepCtx, run, def.Position); err != nil {
			return nil, err
		}
		e.recordStep(stepCtx, exec.ID, schema.HistoryStepCompleted, def, map[string]any{"fields": fields.Namespace(out.Fields).Names()})

		if !out.Continue {
			if kind == schema.StepTypeFilter {
				e.recordStep(stepCtx, exec.ID, schema.HistoryStepFiltered, def, nil)
				return e.finishCompleted(ctx, run, true)
			}
			logging.LogWith(stepCtx, e.logger).Warn("halt ignored for non-filter step", slog.String("type", string(kind)))
		}
	}

	return e.finishCompleted(ctx, run, false)
}

// restoreEvent loads and decodes the event. A missing or corrupt record is
// an EVENT_RESTORE_ERROR; other store failures are returned as is.
func (e *Executor) restoreEvent(ctx context.Context, eventID string) (*schema.RestoredEvent, error) {
	rec, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeEventRestore, "event %s is missing", eventID).WithCause(err)
		}
		return nil, err
	}
	return rec.Restore()
}

// executeStep runs one constructed step. Action steps go through the
// class circuit breaker. Panics are reported as step failures.
func (e *Executor) executeStep(ctx context.Context, run *executionRun, def *store.StepDefinition, kind schema.StepType, step steps.Step, ns fields.Namespace, event *schema.RestoredEvent) (out *steps.Outcome, err error) {
	if kind == schema.StepTypeAction {
		if err := e.breakers.Allow(def.Class); err != nil {
			return nil, err
		}
	}

	rc := &steps.RunContext{
		ExecutionID: run.exec.ID,
		WorkflowID:  run.exec.WorkflowID,
		Position:    def.Position,
		Draft:       run.exec.Draft,
		Event:       event,
		Logger:      logging.LogWith(ctx, e.logger),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = schema.NewErrorf(schema.ErrCodeStepExecution, "step %s panicked: %v", def.Class, r)
			}
		}()
		out, err = step.Execute(ctx, rc, ns.Clone())
	}()

	if kind == schema.StepTypeAction {
		if err != nil {
			if e.breakers.RecordFailure(def.Class) == CircuitOpen {
				logging.LogWith(ctx, e.logger).Warn("circuit opened", slog.String("class", def.Class))
			}
		} else {
			e.breakers.RecordSuccess(def.Class)
		}
	}

	if err != nil {
		return nil, steps.StepFailed(err, "step %s failed: %s", def.Class, err.Error())
	}
	if out == nil {
		out = steps.Proceed(nil)
	}
	return out, nil
}

// advance persists progress after a step finished and renews the lease.
// The update is conditional on this worker still holding the claim.
func (e *Executor) advance(ctx context.Context, run *executionRun, position int) error {
	now := e.now().UTC()
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(ctx, run.exec.ID, store.ExecutionUpdate{
		LastCompletedStep: &position,
		Results:           run.results,
		ClaimedAt:         &now,
		ExpectStatus:      &running,
		ExpectClaimedBy:   run.worker,
	}); err != nil {
		return err
	}
	run.last = position
	return nil
}

// renewLease moves the claim timestamp to now. A CONFLICT means the claim
// was lost to lease recovery and the run must stop before its next step.
func (e *Executor) renewLease(ctx context.Context, run *executionRun) error {
	now := e.now().UTC()
	running := schema.ExecutionStatusRunning
	return e.store.UpdateExecution(ctx, run.exec.ID, store.ExecutionUpdate{
		ClaimedAt:       &now,
		ExpectStatus:    &running,
		ExpectClaimedBy: run.worker,
	})
}

// heartbeat renews the lease every LeaseRenewal until the returned stop
// func is called. Stop waits for the heartbeat goroutine to exit.
func (e *Executor) heartbeat(ctx context.Context, run *executionRun) (stop func()) {
	if e.config.LeaseRenewal <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.config.LeaseRenewal)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.renewLease(ctx, run); err != nil {
					if ctx.Err() == nil {
						logging.LogWith(ctx, e.logger).Warn("lease renewal failed", slog.String("error", err.Error()))
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *Executor) finishCompleted(ctx context.Context, run *executionRun, filtered bool) (*RunResult, error) {
	now := e.now().UTC()
	running := schema.ExecutionStatusRunning
	completed := schema.ExecutionStatusCompleted
	update := store.ExecutionUpdate{
		Status:          &completed,
		Results:         run.results,
		FinishedAt:      &now,
		ReleaseClaim:    true,
		ExpectStatus:    &running,
		ExpectClaimedBy: run.worker,
	}
	err := e.fsm.Transition(ctx, Transition{
		ExecutionID: run.exec.ID,
		From:        running,
		To:          completed,
		Step:        run.last,
		Detail:      map[string]any{"filtered": filtered},
	}, func() error {
		return e.store.UpdateExecution(ctx, run.exec.ID, update)
	})
	if err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).Info("execution completed",
		slog.Int("last_completed_step", run.last), slog.Bool("filtered", filtered))
	res := run.result(completed)
	res.Filtered = filtered
	return res, nil
}

// finishFailure counts the failed attempt and moves the execution to
// RETRY_SCHEDULED or FAILED.
func (e *Executor) finishFailure(ctx context.Context, run *executionRun, cause error, position int) (*RunResult, error) {
	now := e.now().UTC()
	decision := decideRetry(&e.config.Retry, run.exec.Attempts, cause, now)
	code := schema.CodeOf(cause)

	if position > 0 {
		_ = e.fsm.Record(ctx, run.exec.ID, schema.HistoryStepFailed, position, map[string]any{
			"code":    code,
			"message": cause.Error(),
		})
	}

	running := schema.ExecutionStatusRunning
	update := store.ExecutionUpdate{
		Status:          &decision.status,
		Attempts:        &decision.attempts,
		Results:         run.results,
		LastError:       errorDocument(cause),
		ReleaseClaim:    true,
		ExpectStatus:    &running,
		ExpectClaimedBy: run.worker,
	}
	detail := map[string]any{"attempts": decision.attempts, "reason": decision.reason, "code": code}
	if decision.status == schema.ExecutionStatusFailed {
		update.FinishedAt = &now
	} else {
		update.NextRunAt = decision.nextRun
		detail["next_run_at"] = decision.nextRun.Format(time.RFC3339Nano)
	}

	err := e.fsm.Transition(ctx, Transition{
		ExecutionID: run.exec.ID,
		From:        running,
		To:          decision.status,
		Step:        run.last,
		Detail:      detail,
	}, func() error {
		return e.store.UpdateExecution(ctx, run.exec.ID, update)
	})
	if err != nil {
		return nil, err
	}

	log := logging.LogWith(ctx, e.logger)
	if decision.status == schema.ExecutionStatusFailed {
		log.Error("execution failed", slog.String("code", code), slog.String("reason", decision.reason),
			slog.Int("attempts", decision.attempts), slog.String("error", cause.Error()))
	} else {
		log.Warn("execution retry scheduled", slog.String("code", code),
			slog.Int("attempts", decision.attempts), slog.Time("next_run_at", *decision.nextRun))
	}

	run.exec.Attempts = decision.attempts
	res := run.result(decision.status)
	res.NextRunAt = decision.nextRun
	var se *schema.Error
	if errors.As(cause, &se) {
		res.Error = se
	}
	return res, nil
}

func (e *Executor) recordStep(ctx context.Context, executionID, entryType string, def *store.StepDefinition, detail map[string]any) {
	payload := map[string]any{"class": def.Class}
	for k, v := range detail {
		payload[k] = v
	}
	if err := e.fsm.Record(ctx, executionID, entryType, def.Position, payload); err != nil {
		logging.LogWith(ctx, e.logger).Warn("record step history", slog.String("error", err.Error()))
	}
}

// learn records the types of the event-derived fields for the event name.
func (e *Executor) learn(ctx context.Context, event *schema.RestoredEvent) {
	if !e.config.LearnFields || event.Record == nil || event.Record.EventName == "" {
		return
	}
	seed := fields.Aggregate(event.Payload, event.Extras, nil)
	if len(seed) == 0 {
		return
	}
	if err := e.store.LearnFields(ctx, event.Record.EventName, seed.Types()); err != nil {
		logging.LogWith(ctx, e.logger).Warn("learn fields", slog.String("error", err.Error()))
	}
}

func (r *executionRun) result(status schema.ExecutionStatus) *RunResult {
	return &RunResult{
		ExecutionID:       r.exec.ID,
		WorkflowID:        r.exec.WorkflowID,
		Status:            status,
		Attempts:          r.exec.Attempts,
		LastCompletedStep: r.last,
		Results:           r.results,
	}
}

func withStep(err error, label string) error {
	var se *schema.Error
	if errors.As(err, &se) && se.Step == "" {
		se.Step = label
	}
	return err
}
