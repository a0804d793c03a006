package agent

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy describes exponential-backoff-with-jitter retry behaviour
// for a single execution of an agent's unit of work. Immutable after
// construction; one instance per agent.
type RetryPolicy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultRetryPolicy mirrors the system-wide defaults: up to three retries
// starting at one second, capped at five minutes, doubling each attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Delay returns the backoff before retry attempt (0-indexed after the
// first failure), before jitter:
//
//	min(MaxDelay, InitialDelay * ExponentialBase^attempt)
//
// Deterministic, so tests can assert exact values.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt)))
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// backoff is Delay with jitter applied: uniform in [0.5, 1.0) of the raw
// delay when enabled.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}

// PermanentError marks a work failure that must not be retried locally.
// The agent moves straight to the error state and the supervisor decides
// whether to restart it. Plain errors are retried per the policy first.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry procedure fails fast. Returns nil for a
// nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
