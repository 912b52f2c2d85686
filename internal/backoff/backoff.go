// Package backoff computes the wait between retry attempts.
package backoff

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Strategy returns the delay before retry number attempt (0 for the first retry).
type Strategy interface {
	Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter grows the delay by multiplier per attempt and adds up to
// jitter*delay of uniform noise, never exceeding max.
type ExponentialJitter struct{}

func (ExponentialJitter) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(initial) * pow(multiplier, attempt))
	if delay < 0 || delay > max {
		delay = max
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+extra > max {
			return max
		}
		delay += extra
	}
	return delay
}

// DecorrelatedJitter draws the delay uniformly from [initial, initial*3^attempt],
// capped at max. The first retry waits exactly initial.
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Calculate(attempt int, initial, max time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > max {
		delay = max
	}
	return delay
}

// Constant always waits initial.
type Constant struct{}

func (Constant) Calculate(_ int, initial, _ time.Duration, _, _ float64) time.Duration {
	return initial
}

// Parse maps a configuration name to a Strategy. The empty string selects
// ExponentialJitter.
func Parse(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exponential", "exponential_jitter":
		return ExponentialJitter{}, nil
	case "decorrelated", "decorrelated_jitter":
		return DecorrelatedJitter{}, nil
	case "constant":
		return Constant{}, nil
	default:
		return nil, fmt.Errorf("backoff: unknown strategy %q", name)
	}
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
