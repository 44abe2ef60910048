// Package backoff computes retry delays for the fragment fetch client.
package backoff

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Params bounds the delays produced by a Strategy.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay that may be added at random, clamped to [0, 1].
	Jitter float64
}

// Strategy returns the delay to wait before retry number attempt (0-based).
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
	Name() string
}

// ExponentialJitter grows the delay by Multiplier per attempt and adds up to
// Jitter of it at random, never exceeding Max.
type ExponentialJitter struct{}

func (ExponentialJitter) Name() string { return "exponential" }

func (ExponentialJitter) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^30 already overflows any sensible Max.
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(p.Initial) * Pow(p.Multiplier, attempt))
	if delay < 0 || delay > p.Max {
		delay = p.Max
	}

	if jitter := clampJitter(p.Jitter); jitter > 0 {
		delay += time.Duration(float64(delay) * jitter * rand.Float64())
		if delay > p.Max {
			delay = p.Max
		}
	}
	return delay
}

// DecorrelatedJitter picks a delay uniformly between Initial and
// min(Max, Initial*3^attempt).
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Name() string { return "decorrelated" }

func (DecorrelatedJitter) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * Pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Constant always waits Initial.
type Constant struct{}

func (Constant) Name() string { return "constant" }

func (Constant) Delay(_ int, p Params) time.Duration {
	return p.Initial
}

// ForName returns the strategy registered under name. An empty name selects
// ExponentialJitter.
func ForName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exponential":
		return ExponentialJitter{}, nil
	case "decorrelated":
		return DecorrelatedJitter{}, nil
	case "constant":
		return Constant{}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
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

// Pow calculates base^exponent for a non-negative integer exponent.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
