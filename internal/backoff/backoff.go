// Package backoff holds the exponential delay policy shared by reconnection
// and message retries.
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

const (
	DefaultBase = time.Second
	DefaultMax  = 10 * time.Second
)

// Policy computes min(Base * 2^attempt, Max).
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default is the 1s base, 10s cap policy.
var Default = Policy{Base: DefaultBase, Max: DefaultMax}

// Delay returns the wait before the given attempt (0-based) under the
// default policy.
func Delay(attempt int) time.Duration {
	return Default.Delay(attempt)
}

// Delay returns the wait before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if attempt < 0 {
		attempt = 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// BackOff adapts p to the cenkalti/backoff interface, stopping after
// maxRetries attempts. A non-positive maxRetries never stops.
func (p Policy) BackOff(maxRetries int) cbackoff.BackOff {
	return &sequence{policy: p, max: maxRetries}
}

type sequence struct {
	policy  Policy
	max     int
	attempt int
}

func (s *sequence) NextBackOff() time.Duration {
	if s.max > 0 && s.attempt >= s.max {
		return cbackoff.Stop
	}
	d := s.policy.Delay(s.attempt)
	s.attempt++
	return d
}

func (s *sequence) Reset() { s.attempt = 0 }
