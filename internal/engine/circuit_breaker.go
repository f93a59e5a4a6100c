package engine

import (
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// CircuitState is the launch state of one task.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // launches go through
	CircuitOpen                         // launches fail fast
	CircuitHalfOpen                     // one trial launch allowed
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

// CircuitBreakerConfig configures per-task launch breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive launch failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial launch is allowed.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns the breaker configuration used by serve.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type taskBreaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// LaunchBreakers guards Executor.Start per task name. A task whose launches
// keep failing is failed fast without calling the Executor until the
// cooldown elapses.
type LaunchBreakers struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*taskBreaker
	now      func() time.Time
}

// NewLaunchBreakers creates an empty registry.
func NewLaunchBreakers(cfg CircuitBreakerConfig) *LaunchBreakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	return &LaunchBreakers{
		config:   cfg,
		breakers: make(map[string]*taskBreaker),
		now:      time.Now,
	}
}

// Allow returns nil when a launch of task may proceed.
func (r *LaunchBreakers) Allow(task string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(task)

	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.openedAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"launches of task %q suspended after %d consecutive failures", task, b.failures).
				WithDetails(map[string]any{"task": task, "state": b.state.String(), "consecutive_failures": b.failures})
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeExecution, "trial launch of task %q already in flight", task)
		}
		b.probing = true
	}
	return nil
}

// RecordSuccess closes the circuit for task.
func (r *LaunchBreakers) RecordSuccess(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(task)
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a launch failure and returns the resulting state.
func (r *LaunchBreakers) RecordFailure(task string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(task)
	b.failures++
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State returns the current state for task.
func (r *LaunchBreakers) State(task string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(task).state
}

func (r *LaunchBreakers) get(task string) *taskBreaker {
	b, ok := r.breakers[task]
	if !ok {
		b = &taskBreaker{}
		r.breakers[task] = b
	}
	return b
}
