// Package breaker implements the per-collaborator circuit breaker. Its one
// caller is the gateway's worker RPC client; record-store calls do not pass
// through a breaker.
package breaker

import (
	"sync"
	"time"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
)

// State is the breaker's position
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards one collaborator. Closed admits everything; Open rejects
// everything until the recovery timeout elapses; HalfOpen admits a bounded
// number of probe calls.
type Breaker struct {
	name string

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	firstFailureAt      time.Time
	openedAt            time.Time
	halfOpenCalls       int

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	monitoringWindow time.Duration

	now func() time.Time
}

// New creates a breaker for the named collaborator using the configured
// thresholds
func New(name string) *Breaker {
	return &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: config.GetBreakerFailureThreshold(),
		recoveryTimeout:  config.GetBreakerRecoveryTimeout(),
		halfOpenMaxCalls: config.GetBreakerHalfOpenMaxCalls(),
		monitoringWindow: config.GetBreakerMonitoringWindow(),
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed, consuming a half-open probe slot
// when applicable
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.halfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordFailure reports a failed call. Only Critical failures count toward
// opening a closed breaker; any failure while half-open re-opens it.
func (b *Breaker) RecordFailure(severity errs.Severity) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		b.openedAt = b.now()
		b.consecutiveFailures = 0
		return
	}

	if severity != errs.SeverityCritical {
		return
	}

	now := b.now()
	if b.consecutiveFailures == 0 || now.Sub(b.firstFailureAt) > b.monitoringWindow {
		b.consecutiveFailures = 0
		b.firstFailureAt = now
	}
	b.consecutiveFailures++

	if b.state == StateClosed && b.consecutiveFailures >= b.failureThreshold {
		b.transition(StateOpen)
		b.openedAt = now
		b.consecutiveFailures = 0
	}
}

// Call wraps fn with breaker accounting. A rejected call returns
// CollaboratorDown without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return errs.Newf(errs.KindCollaboratorDown, "%s circuit open", b.name)
	}

	if err := fn(); err != nil {
		b.RecordFailure(errs.SeverityOf(err))
		return err
	}

	b.RecordSuccess()
	return nil
}

// State returns the breaker's current position
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// An expired open breaker reports half-open so status surfaces match
	// what the next Allow would do
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the collaborator name this breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// transition moves the breaker; caller must hold b.mu
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	logging.Info("circuit breaker state change", map[string]interface{}{
		"collaborator": b.name,
		"from":         b.state.String(),
		"to":           next.String(),
	})
	b.state = next
	if next != StateHalfOpen {
		b.halfOpenCalls = 0
	}
}
