package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/eventflow/internal/logging"
	"github.com/rendis/eventflow/internal/store"
	"github.com/rendis/eventflow/pkg/schema"
)

// RecoverStale requeues running executions whose claim was not renewed
// within leaseTimeout. The lost attempt is counted, so an execution that keeps
// killing its worker ends up FAILED. Returns how many were recovered.
func (e *Executor) RecoverStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	if leaseTimeout <= 0 {
		return 0, nil
	}
	now := e.now().UTC()
	cutoff := now.Add(-leaseTimeout)
	running := schema.ExecutionStatusRunning

	stale, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Status:        &running,
		ClaimedBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, exec := range stale {
		ok, err := e.requeue(ctx, exec, leaseTimeout, cutoff, now)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (e *Executor) requeue(ctx context.Context, exec *store.Execution, leaseTimeout time.Duration, cutoff, now time.Time) (bool, error) {
	ctx = logging.WithExecution(ctx, exec.ID, exec.WorkflowID)
	cause := schema.NewErrorf(schema.ErrCodeStepExecution, "claim by %q expired after %s", exec.ClaimedBy, leaseTimeout).
		WithDetails(map[string]any{"worker": exec.ClaimedBy})
	decision := decideRetry(&e.config.Retry, exec.Attempts, cause, now)

	running := schema.ExecutionStatusRunning
	update := store.ExecutionUpdate{
		Status:              &decision.status,
		Attempts:            &decision.attempts,
		LastError:           errorDocument(cause),
		ReleaseClaim:        true,
		ExpectStatus:        &running,
		ExpectClaimedBy:     exec.ClaimedBy,
		ExpectClaimedBefore: &cutoff,
	}
	t := Transition{
		ExecutionID: exec.ID,
		From:        running,
		To:          decision.status,
		Step:        exec.LastCompletedStep,
		Detail:      map[string]any{"attempts": decision.attempts, "previous_worker": exec.ClaimedBy},
	}
	if decision.status == schema.ExecutionStatusFailed {
		update.FinishedAt = &now
		t.Detail["reason"] = decision.reason
	} else {
		update.NextRunAt = decision.nextRun
		t.Entry = schema.HistoryExecutionRequeued
	}

	err := e.fsm.Transition(ctx, t, func() error {
		return e.store.UpdateExecution(ctx, exec.ID, update)
	})
	if schema.HasCode(err, schema.ErrCodeConflict) {
		// The worker finished, renewed its lease or another recoverer got there first.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logging.LogWith(ctx, e.logger).Warn("stale execution recovered",
		slog.String("previous_worker", exec.ClaimedBy),
		slog.String("status", string(decision.status)),
		slog.Int("attempts", decision.attempts))
	return true, nil
}
