// Package circuit provides the circuit breaker guarding share store commits
// and daemon RPC calls.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// ErrOpen is the cause of every error returned while the breaker rejects calls.
var ErrOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through and counts failures.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down has passed.
	StateOpen
	// StateHalfOpen admits a few probe calls to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // reported in errors and state change callbacks
	MaxFailures     int           // failures within ResetTimeout that open the breaker
	SuccessRequired int           // probe successes that close it again; also the probe limit
	Timeout         time.Duration // cool-down before probing
	ResetTimeout    time.Duration // window after which closed-state failures are forgotten

	// OnStateChange is invoked outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used when New is given nil.
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker stops calling a failing dependency for a while so callers can fall
// back quickly, e.g. to the share recovery file.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int // half-open calls in flight
	rejected    uint64
	openedAt    time.Time
	windowStart time.Time
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State     State
	Failures  int
	Successes int
	Rejected  uint64
	OpenedAt  time.Time
}

// New creates a closed breaker.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.SuccessRequired <= 0 {
		cfg.SuccessRequired = 1
	}

	cb := &Breaker{cfg: cfg, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

// Execute runs fn unless the breaker is open. A call abandoned because ctx
// ended does not count against the dependency.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	done, err := cb.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn()
	done(ctx, err)
	return err
}

// ExecuteWithResult is Execute for functions returning a value.
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	done, err := cb.acquire(ctx)
	if err != nil {
		return zero, err
	}
	result, err := fn()
	done(ctx, err)
	return result, err
}

// IsOpen reports whether err was produced by a breaker rejecting a call.
func IsOpen(err error) bool {
	return stderrors.Is(err, ErrOpen)
}

// State returns the current state. An open breaker whose cool-down has
// passed still reports open until the next call probes it.
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns counters for logging and tests.
func (cb *Breaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		Rejected:  cb.rejected,
		OpenedAt:  cb.openedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

type doneFunc func(ctx context.Context, err error)

func (cb *Breaker) acquire(ctx context.Context) (doneFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cb.mu.Lock()
	now := cb.now()
	from := cb.state

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.cfg.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
	case StateOpen:
		if now.Sub(cb.openedAt) <= cb.cfg.Timeout {
			cb.rejected++
			cb.mu.Unlock()
			return nil, cb.openError(StateOpen)
		}
		cb.transition(StateHalfOpen)
	}

	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.cfg.SuccessRequired {
			cb.rejected++
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen)
			return nil, cb.openError(StateHalfOpen)
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return func(ctx context.Context, err error) { cb.record(ctx, probe, err) }, nil
}

func (cb *Breaker) record(ctx context.Context, probe bool, err error) {
	cb.mu.Lock()
	if probe && cb.probes > 0 {
		cb.probes--
	}
	from := cb.state

	switch {
	case err != nil && ctx.Err() != nil:
		// abandoned by the caller
	case err != nil:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessRequired {
			cb.transition(StateClosed)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// transition moves to state and resets the counters that belong to the
// previous one. The caller holds mu.
func (cb *Breaker) transition(to State) State {
	from := cb.state
	now := cb.now()
	cb.state = to
	cb.successes = 0
	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = 0
		cb.probes = 0
		cb.windowStart = now
	}
	return from
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *Breaker) openError(state State) error {
	return errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker", "call rejected").
		AsRetryable(false).
		WithContext("breaker", cb.cfg.Name).
		WithContext("state", state.String())
}
