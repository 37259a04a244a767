// Package backoff computes the reconnect delays used when the push channel
// drops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential delay curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor is applied once per additional attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// ReconnectPolicy returns the live channel reconnect curve:
// 500ms, 1s, 2s, then capped at 2s. It carries no jitter so the sequence is
// reproducible.
func ReconnectPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2,
		Jitter:  0,
	}
}

// Delay returns the delay for the given attempt. Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a provided random value in [0.0, 1.0).
// The formula is min(max, initial*factor^(attempt-1) * (1 + jitter*random)).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.withDefaults()
	exp := math.Max(float64(attempt-1), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	total = math.Min(float64(p.Max), total)

	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// Schedule lists the delays for attempts 1..n without jitter.
func (p Policy) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for attempt := 1; attempt <= n; attempt++ {
		out = append(out, p.DelayWithRand(attempt, 0))
	}
	return out
}

func (p Policy) withDefaults() Policy {
	def := ReconnectPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}
