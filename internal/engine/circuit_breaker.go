package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/eventflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
// A zero FailureThreshold disables breaking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test runs allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used by the server.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitStats is a point-in-time view of one step class breaker.
type CircuitStats struct {
	Class               string `json:"class"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry tracks action step failures per step class so a
// failing endpoint is not hammered by every queued execution.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow checks whether the step class may run. An open circuit yields a
// retryable STEP_EXECUTION_ERROR so the execution is rescheduled.
func (r *CircuitBreakerRegistry) Allow(class string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(class)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeStepExecution,
			"circuit open for step class %q after %d consecutive failures", class, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"class":                class,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeStepExecution,
				"circuit half-open for step class %q: test run in progress", class).
				WithDetails(map[string]any{"class": class, "state": cb.state.String()})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for the class.
func (r *CircuitBreakerRegistry) RecordSuccess(class string) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	cb := r.getOrCreate(class)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(class string) CircuitState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.getOrCreate(class)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of the circuit for a class.
func (r *CircuitBreakerRegistry) State(class string) CircuitState {
	if r == nil {
		return CircuitClosed
	}
	cb := r.getOrCreate(class)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return r.observe(cb)
}

// Snapshot returns stats for every class that has been seen, sorted by class.
func (r *CircuitBreakerRegistry) Snapshot() []CircuitStats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	classes := make([]string, 0, len(r.breakers))
	for class := range r.breakers {
		classes = append(classes, class)
	}
	r.mu.Unlock()
	sort.Strings(classes)

	out := make([]CircuitStats, 0, len(classes))
	for _, class := range classes {
		cb := r.getOrCreate(class)
		cb.mu.Lock()
		out = append(out, CircuitStats{
			Class:               class,
			State:               r.observe(cb).String(),
			ConsecutiveFailures: cb.consecutiveFailures,
			FailureThreshold:    r.config.FailureThreshold,
			Cooldown:            r.config.Cooldown.String(),
		})
		cb.mu.Unlock()
	}
	return out
}

// observe applies the open -> half-open timeout. cb.mu must be held.
func (r *CircuitBreakerRegistry) observe(cb *circuitBreaker) CircuitState {
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) getOrCreate(class string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[class]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[class] = cb
	}
	return cb
}
