// Package breaker implements the circuit breaker pattern for per-source
// failure protection. When an upstream accumulates consecutive failures the
// circuit opens to stop requests and prevent timeout cascading; after a
// recovery timeout a single trial request is allowed through.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	// StateClosed allows traffic through (normal operation).
	StateClosed State = "closed"
	// StateOpen rejects traffic (source is failing).
	StateOpen State = "open"
	// StateHalfOpen allows one trial request to test recovery.
	StateHalfOpen State = "half_open"
)

// Defaults for breaker construction.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Stats is a snapshot of a breaker's counters and state.
type Stats struct {
	Name             string  `json:"name"`
	State            State   `json:"state"`
	FailureCount     int     `json:"failure_count"`
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTimeout  float64 `json:"recovery_timeout"`
	TotalSuccesses   int64   `json:"total_successes"`
	TotalFailures    int64   `json:"total_failures"`
	TotalRejected    int64   `json:"total_rejected"`
	LastFailureTime  int64   `json:"last_failure_time,omitempty"`
	LastStateChange  int64   `json:"last_state_change"`
}

// Breaker is a per-source circuit breaker with failure counting and
// auto-recovery. All state mutations are protected by a mutex.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	totalSuccesses  int64
	totalFailures   int64
	totalRejected   int64
	lastFailureTime time.Time
	lastStateChange time.Time
}

// New creates a circuit breaker for a named upstream. Zero threshold or
// timeout fall back to the defaults.
func New(name string, failureThreshold int, recoveryTimeout time.Duration, logger *slog.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Name returns the breaker's upstream name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN -> HALF_OPEN recovery
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	return b.state
}

// CanSend reports whether a request is allowed through the circuit: true when
// CLOSED or HALF_OPEN (trial request), false when OPEN. Rejections are
// counted.
func (b *Breaker) CanSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	if b.state == StateOpen {
		b.totalRejected++
		return false
	}
	return true
}

// RecordSuccess records a successful operation, resetting the failure count.
// A HALF_OPEN breaker transitions back to CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	b.failureCount = 0
	if b.state != StateClosed {
		prev := b.state
		b.transitionLocked(StateClosed)
		if prev == StateHalfOpen {
			b.logger.Info("circuit breaker recovered", "name", b.name)
		}
	}
}

// RecordFailure records a failed operation. The circuit opens when the
// consecutive failure count reaches the threshold, or immediately when a
// HALF_OPEN trial fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch {
	case b.state == StateHalfOpen:
		b.transitionLocked(StateOpen)
		b.logger.Warn("circuit breaker recovery failed", "name", b.name)
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.transitionLocked(StateOpen)
		b.logger.Warn("circuit breaker tripped", "name", b.name, "failures", b.failureCount)
	}
}

// Reset manually resets the breaker to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.transitionLocked(StateClosed)
}

// Stats returns a snapshot of the breaker's counters and state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()

	var lastFailure int64
	if !b.lastFailureTime.IsZero() {
		lastFailure = b.lastFailureTime.Unix()
	}
	return Stats{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  b.recoveryTimeout.Seconds(),
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		TotalRejected:    b.totalRejected,
		LastFailureTime:  lastFailure,
		LastStateChange:  b.lastStateChange.Unix(),
	}
}

// checkRecoveryLocked transitions OPEN -> HALF_OPEN when the recovery timeout
// has elapsed. Caller must hold the mutex.
func (b *Breaker) checkRecoveryLocked() {
	if b.state != StateOpen {
		return
	}
	if time.Since(b.lastFailureTime) >= b.recoveryTimeout {
		b.transitionLocked(StateHalfOpen)
		b.logger.Info("circuit breaker recovery timeout elapsed", "name", b.name)
	}
}

// transitionLocked changes state and stamps the change time. Caller must hold
// the mutex.
func (b *Breaker) transitionLocked(next State) {
	b.state = next
	b.lastStateChange = time.Now()
}

// Registry creates breakers lazily by upstream name and exposes a snapshot of
// all states. Safe for concurrent callers.
type Registry struct {
	defaultFailureThreshold int
	defaultRecoveryTimeout  time.Duration
	logger                  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared defaults.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration, logger *slog.Logger) *Registry {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaultFailureThreshold: failureThreshold,
		defaultRecoveryTimeout:  recoveryTimeout,
		logger:                  logger,
		breakers:                make(map[string]*Breaker),
	}
}

// Get returns the breaker for a named upstream, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.defaultFailureThreshold, r.defaultRecoveryTimeout, r.logger)
		r.breakers[name] = b
	}
	return b
}

// AllStats returns stats for every registered breaker, keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll resets every breaker to CLOSED and returns how many were not
// already closed.
func (r *Registry) ResetAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, b := range r.breakers {
		if b.State() != StateClosed {
			count++
		}
		b.Reset()
	}
	return count
}
