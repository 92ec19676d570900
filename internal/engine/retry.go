package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// DefaultMaxAttempts bounds executions when the policy leaves it unset.
const DefaultMaxAttempts = 3

// IsRetryableError classifies whether a failed run may be rescheduled.
// Only STEP_EXECUTION_ERROR is retryable; configuration, unknown class and
// event restore failures are permanent. Cancellation is never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Step timeouts surface as deadline errors.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *schema.Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// ValidateRetryPolicy checks the policy's durations and backoff mode.
func ValidateRetryPolicy(policy schema.RetryPolicy) error {
	switch policy.Backoff {
	case "", "none", "constant", "linear", "exponential":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown retry backoff %q", policy.Backoff)
	}
	for name, v := range map[string]string{"delay": policy.Delay, "max_delay": policy.MaxDelay} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid retry %s %q", name, v)
		}
	}
	if policy.MaxAttempts < 0 {
		return schema.NewError(schema.ErrCodeValidation, "max_attempts must not be negative")
	}
	return nil
}

// MaxAttempts returns the policy's attempt budget, defaulting when unset.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return policy.MaxAttempts
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is zero-based. Supports none, constant, linear, and exponential
// backoff with an optional max_delay cap. "none" retries immediately.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var maxDelay time.Duration
	if policy.MaxDelay != "" {
		if d, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil {
			maxDelay = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "constant" or empty
		delay = base
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// NextRunAt returns when an execution that has failed attempts times
// becomes due again.
func NextRunAt(policy *schema.RetryPolicy, attempts int, now time.Time) time.Time {
	attempt := attempts - 1
	if attempt < 0 {
		attempt = 0
	}
	return now.Add(ComputeBackoff(policy, attempt))
}

// retryDecision is the outcome of classifying a failed run.
type retryDecision struct {
	status   schema.ExecutionStatus
	attempts int
	nextRun  *time.Time
	reason   string
}

// decideRetry counts the failure and picks RETRY_SCHEDULED or FAILED.
func decideRetry(policy *schema.RetryPolicy, prevAttempts int, err error, now time.Time) retryDecision {
	attempts := prevAttempts + 1
	switch {
	case !IsRetryableError(err):
		return retryDecision{status: schema.ExecutionStatusFailed, attempts: attempts, reason: "permanent"}
	case attempts >= MaxAttempts(policy):
		return retryDecision{status: schema.ExecutionStatusFailed, attempts: attempts, reason: "exhausted"}
	default:
		next := NextRunAt(policy, attempts, now)
		return retryDecision{status: schema.ExecutionStatusRetryScheduled, attempts: attempts, nextRun: &next, reason: "retry"}
	}
}

// errorDocument serializes err for the execution's last_error column.
func errorDocument(err error) []byte {
	var e *schema.Error
	if !errors.As(err, &e) {
		e = schema.NewError(schema.ErrCodeStepExecution, err.Error())
	}
	doc := map[string]any{"code": e.Code, "message": e.Message}
	if e.Step != "" {
		doc["step"] = e.Step
	}
	if len(e.Details) > 0 {
		doc["details"] = e.Details
	}
	if e.Cause != nil {
		doc["cause"] = e.Cause.Error()
	}
	data, mErr := json.Marshal(doc)
	if mErr != nil {
		return []byte(fmt.Sprintf(`{"code":%q}`, e.Code))
	}
	return data
}
