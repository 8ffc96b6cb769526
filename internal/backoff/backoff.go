// Package backoff computes reconnect delays for the agent's transports.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	minBase      = 100 * time.Millisecond
	maxJitter    = 0.5
	maxExponent  = 62
	milliseconds = float64(time.Millisecond)
)

// Policy bundles the parameters for exponential backoff with jitter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64

	// Rand returns a value in [0, 1]. Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the delay to wait before the given (1-based) attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.Base, p.Max, p.JitterRatio, p.Rand)
}

// Delay computes min(max, base*2^(attempt-1)) and spreads it by up to
// ±round(exp*jitterRatio), clamping the result into [base, max].
//
// attempt is coerced to >= 1, base to >= 100ms, max to >= base and
// jitterRatio into [0, 0.5]. The computation works in whole milliseconds.
func Delay(attempt int, base, max time.Duration, jitterRatio float64, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base < minBase {
		base = minBase
	}
	if max < base {
		max = base
	}
	if math.IsNaN(jitterRatio) || jitterRatio < 0 {
		jitterRatio = 0
	}
	if jitterRatio > maxJitter {
		jitterRatio = maxJitter
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	baseMs := float64(base) / milliseconds
	maxMs := float64(max) / milliseconds

	exponent := attempt - 1
	if exponent > maxExponent {
		exponent = maxExponent
	}
	exp := math.Min(maxMs, baseMs*math.Pow(2, float64(exponent)))

	window := math.Round(exp * jitterRatio)
	result := exp
	if window > 0 {
		r := rnd()
		if r < 0 {
			r = 0
		}
		if r > 1 {
			r = 1
		}
		result = exp - window + math.Round(2*window*r)
	}

	result = math.Max(baseMs, math.Min(maxMs, result))
	return time.Duration(math.Round(result)) * time.Millisecond
}
