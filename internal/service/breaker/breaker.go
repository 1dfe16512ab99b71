package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorgate/platform-trust-core/internal/domain/errors"
)

// State is the breaker's position in its lifecycle.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // failures within the window to trip (default 5)
	SuccessThreshold int           // consecutive half-open successes to close (default 2)
	FailureWindow    time.Duration // rolling window for counting failures (default 1m)
	ResetTimeout     time.Duration // open duration before probing (default 30s)
	CallTimeout      time.Duration // hard per-call timeout (default 10s)
	LatencySamples   int           // bounded sample count for the rolling average (default 50)
}

// DefaultConfig returns breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      10 * time.Second,
		LatencySamples:   50,
	}
}

// Stats are the breaker's operational counters.
type Stats struct {
	Total                int64
	Successes            int64
	Failures             int64
	Rejected             int64
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	AvgLatency           time.Duration
}

// HealthStatus is the operational snapshot exposed for dashboards.
type HealthStatus struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Stats          Stats     `json:"stats"`
	StateChangedAt time.Time `json:"state_changed_at"`
	NextProbeAt    time.Time `json:"next_probe_at,omitempty"`
}

// Breaker isolates one logical dependency. State transitions are evaluated
// lazily on each call; there is no background timer.
type Breaker struct {
	name     string
	config   Config
	logger   *zap.Logger
	fallback func(ctx context.Context) (interface{}, error)

	mu             sync.Mutex
	state          State
	stateChangedAt time.Time
	failureTimes   []time.Time
	latencies      []time.Duration
	stats          Stats
}

// New creates a breaker in the closed state.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = defaults.FailureWindow
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.LatencySamples <= 0 {
		config.LatencySamples = defaults.LatencySamples
	}
	return &Breaker{
		name:           name,
		config:         config,
		logger:         logger,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// WithFallback sets the function invoked instead of failing fast while open.
func (b *Breaker) WithFallback(fn func(ctx context.Context) (interface{}, error)) *Breaker {
	b.fallback = fn
	return b
}

// Execute runs fn under the breaker's protection. While open it rejects fast
// (or serves the fallback); otherwise fn runs under the call timeout and its
// outcome feeds the state machine.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if !b.admit() {
		b.mu.Lock()
		b.stats.Rejected++
		retryAt := b.stateChangedAt.Add(b.config.ResetTimeout)
		b.mu.Unlock()

		b.logger.Warn("circuit breaker rejected call",
			zap.String("breaker", b.name),
			zap.Time("retry_at", retryAt))

		if b.fallback != nil {
			return b.fallback(ctx)
		}
		err := errors.NewExternalServiceError(b.name, "circuit open")
		err.Metadata["retry_at"] = retryAt.UTC().Format(time.RFC3339)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			b.recordFailure()
			return nil, out.err
		}
		b.recordSuccess(time.Since(start))
		return out.value, nil
	case <-callCtx.Done():
		b.recordFailure()
		return nil, errors.NewExternalServiceError(b.name,
			fmt.Sprintf("call timed out after %s", b.config.CallTimeout)).WithCause(callCtx.Err())
	}
}

// admit decides whether a call may proceed, applying the lazy OPEN→HALF_OPEN
// transition when the reset timeout has elapsed.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Total++

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.stateChangedAt) >= b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Successes++
	b.stats.ConsecutiveSuccesses++
	b.stats.ConsecutiveFailures = 0

	b.latencies = append(b.latencies, latency)
	if len(b.latencies) > b.config.LatencySamples {
		b.latencies = b.latencies[1:]
	}
	var sum time.Duration
	for _, l := range b.latencies {
		sum += l
	}
	b.stats.AvgLatency = sum / time.Duration(len(b.latencies))

	if b.state == StateHalfOpen && b.stats.ConsecutiveSuccesses >= b.config.SuccessThreshold {
		b.transition(StateClosed)
		b.failureTimes = nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.stats.Failures++
	b.stats.ConsecutiveFailures++
	b.stats.ConsecutiveSuccesses = 0

	if b.state == StateHalfOpen {
		// No tolerance while probing.
		b.transition(StateOpen)
		return
	}

	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = append(kept, now)

	if b.state == StateClosed && len(b.failureTimes) >= b.config.FailureThreshold {
		b.transition(StateOpen)
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.stateChangedAt = time.Now()
	b.logger.Info("circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}

// State returns the current state after applying the lazy open check.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.stateChangedAt) >= b.config.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// HealthStatus snapshots the breaker for operational dashboards.
func (b *Breaker) HealthStatus() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs := HealthStatus{
		Name:           b.name,
		State:          b.state,
		Stats:          b.stats,
		StateChangedAt: b.stateChangedAt,
	}
	if b.state == StateOpen {
		hs.NextProbeAt = b.stateChangedAt.Add(b.config.ResetTimeout)
	}
	return hs
}

// Reset returns the breaker to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failureTimes = nil
	b.latencies = nil
	b.stats = Stats{}
}

// Trip forces the breaker open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateOpen)
}

// Close forces the breaker closed without clearing stats.
func (b *Breaker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failureTimes = nil
}
