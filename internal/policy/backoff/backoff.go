// Package backoff computes jittered exponential retry delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff: Base * Multiplier^(attempt-1),
// scaled by a uniform factor in [1-Jitter, 1+Jitter] and clamped to Max.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Jitter     float64
	Max        time.Duration
}

// Default returns base 1s, multiplier 2, ±20% jitter, no cap.
func Default() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retrying after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		jitter := math.Min(p.Jitter, 1)
		delay *= 1 - jitter + rand.Float64()*2*jitter //nolint:gosec // jitter does not need crypto randomness
	}
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Bounds returns the smallest and largest delay Delay can produce for attempt.
func (p Policy) Bounds(attempt int) (time.Duration, time.Duration) {
	noJitter := p
	noJitter.Jitter = 0
	center := float64(noJitter.Delay(attempt))
	jitter := math.Min(math.Max(p.Jitter, 0), 1)
	lo := time.Duration(center * (1 - jitter))
	hi := time.Duration(center * (1 + jitter))
	if p.Max > 0 && hi > p.Max {
		hi = p.Max
	}
	if p.Max > 0 && lo > p.Max {
		lo = p.Max
	}
	return lo, hi
}
