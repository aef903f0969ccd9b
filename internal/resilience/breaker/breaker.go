// Package breaker implements a per-target circuit breaker with a sliding
// call-history window for failure-rate evaluation.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/vietddude/ingestor/internal/metrics"
)

// State is the breaker FSM state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
// The wrapped operation is not invoked in that case.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the trip and reset behavior of a breaker.
type Config struct {
	FailureThreshold  int           // consecutive failures that trip the breaker
	SuccessThreshold  int           // consecutive half-open successes that close it
	Timeout           time.Duration // open duration before a half-open probe
	MonitoringPeriod  time.Duration // sliding window for failure-rate evaluation
	VolumeThreshold   int           // minimum calls in window before tripping applies
	ErrorThresholdPct float64       // failure percentage that trips the breaker
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           30 * time.Second,
		MonitoringPeriod:  60 * time.Second,
		VolumeThreshold:   10,
		ErrorThresholdPct: 50,
	}
}

type call struct {
	at      time.Time
	success bool
}

// Breaker guards calls against a single target. All counter mutations and
// state transitions happen under the breaker's lock.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	totalCalls           int
	totalFailures        int
	totalSuccesses       int
	consecutiveFailures  int
	consecutiveSuccesses int
	rejectedCalls        int
	history              []call
	nextAttemptAt        time.Time

	now func() time.Time
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	TotalCalls           int       `json:"total_calls"`
	TotalFailures        int       `json:"total_failures"`
	TotalSuccesses       int       `json:"total_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	RejectedCalls        int       `json:"rejected_calls"`
	FailureRate          float64   `json:"failure_rate"`
	NextAttemptAt        time.Time `json:"next_attempt_at,omitzero"`
}

// New creates a closed breaker for the given target name.
func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// Execute runs op through the breaker. When the breaker is open and the
// cooldown has not elapsed, op is not invoked and ErrOpen is returned.
// The underlying operation's error is always passed through to the caller.
func (b *Breaker) Execute(op func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op()
	b.afterCall(err == nil)
	return err
}

// beforeCall decides whether the call may proceed, transitioning
// OPEN -> HALF_OPEN when the cooldown has elapsed.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	if b.now().Before(b.nextAttemptAt) {
		b.rejectedCalls++
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return ErrOpen
	}

	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalCalls++
	b.history = append(b.history, call{at: now, success: success})
	b.pruneHistory(now)

	if success {
		b.totalSuccesses++
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0

		if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.resetCounters()
		}
		return
	}

	b.totalFailures++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0

	switch b.state {
	case StateHalfOpen:
		// A single failure during the probe re-opens immediately.
		b.trip(now)
	case StateClosed:
		if b.shouldTrip() {
			b.trip(now)
		}
	}
}

// shouldTrip evaluates the trip condition over the pruned window.
// Caller must hold the lock.
func (b *Breaker) shouldTrip() bool {
	if len(b.history) < b.cfg.VolumeThreshold {
		return false
	}
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		return true
	}
	return b.failureRate() >= b.cfg.ErrorThresholdPct
}

func (b *Breaker) trip(now time.Time) {
	b.nextAttemptAt = now.Add(b.cfg.Timeout)
	b.transition(StateOpen)
}

func (b *Breaker) pruneHistory(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	kept := b.history[:0]
	for _, c := range b.history {
		if c.at.After(cutoff) {
			kept = append(kept, c)
		}
	}
	b.history = kept
}

// failureRate returns the failure percentage of the current window.
// Caller must hold the lock.
func (b *Breaker) failureRate() float64 {
	if len(b.history) == 0 {
		return 0
	}
	failures := 0
	for _, c := range b.history {
		if !c.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.history)) * 100
}

func (b *Breaker) resetCounters() {
	b.totalCalls = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.history = b.history[:0]
}

// transition changes state and mirrors it to the metrics gauge.
// Caller must hold the lock.
func (b *Breaker) transition(s State) {
	b.state = s
	var v float64
	switch s {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(v)
}

// State returns the current FSM state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:                 b.name,
		State:                b.state,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		RejectedCalls:        b.rejectedCalls,
		FailureRate:          b.failureRate(),
		NextAttemptAt:        b.nextAttemptAt,
	}
}

// ForceOpen trips the breaker manually for the configured timeout.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(b.now())
}

// ForceClose closes the breaker manually and resets all counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.resetCounters()
}

// ForceHalfOpen moves the breaker into the probing state manually.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateHalfOpen)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures = 0
}
