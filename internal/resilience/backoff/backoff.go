// Package backoff computes retry delays with exponential growth and jitter.
// It is a pure function over (attempt, error type) and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/vietddude/ingestor/internal/core/domain"
)

// Profile overrides the delay curve for a specific error type.
type Profile struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Policy holds the base delay curve plus per-error-type overrides.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxAttempts  int
	Profiles     map[domain.ErrorType]Profile
}

// Decision is the outcome of a backoff computation.
type Decision struct {
	Delay       time.Duration
	NextRetryAt time.Time
	ShouldRetry bool
}

// DefaultPolicy returns the standard curve: 1s initial, doubling, capped at
// 60s, with 20% symmetric jitter. Rate-limited targets back off harder and
// plain network errors probe again sooner.
func DefaultPolicy() *Policy {
	return &Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		MaxAttempts:  5,
		Profiles: map[domain.ErrorType]Profile{
			domain.ErrorTypeRateLimit: {
				InitialDelay: 5 * time.Second,
				MaxDelay:     5 * time.Minute,
				Multiplier:   3.0,
			},
			domain.ErrorTypeNetwork: {
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			},
		},
	}
}

// ComputeDelay returns the delay before the given attempt (0-indexed) and
// whether another attempt should be made at all.
func (p *Policy) ComputeDelay(attempt int, errType domain.ErrorType) Decision {
	initial, maxDelay, multiplier := p.InitialDelay, p.MaxDelay, p.Multiplier
	if prof, ok := p.Profiles[errType]; ok {
		initial, maxDelay, multiplier = prof.InitialDelay, prof.MaxDelay, prof.Multiplier
	}

	base := float64(initial) * math.Pow(multiplier, float64(attempt))
	if base > float64(maxDelay) {
		base = float64(maxDelay)
	}

	// Symmetric jitter: delay in [base*(1-j), base*(1+j)]
	jitter := base * p.JitterFactor * (2*rand.Float64() - 1)
	delay := time.Duration(base + jitter)
	if delay < 0 {
		delay = 0
	}

	return Decision{
		Delay:       delay,
		NextRetryAt: time.Now().Add(delay),
		ShouldRetry: attempt < p.MaxAttempts && errType.Retryable(),
	}
}
