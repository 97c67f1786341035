package broadcast

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays: Min*Factor^attempt, randomized by
// +/-Jitter and capped at Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Min <= 0 {
		b.Min = time.Second
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Second
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		b.Jitter = 0.5
	}
	return b
}

// Duration returns the delay before retry number attempt (0-based).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := float64(b.Max)
	// Pow overflows to +Inf for large attempts; clamp before jitter.
	d := float64(b.Min) * math.Pow(b.Factor, float64(attempt))
	if math.IsNaN(d) || d > ceiling {
		d = ceiling
	}
	if b.Jitter > 0 {
		delta := d * b.Jitter
		d = d - delta + rand.Float64()*2*delta
	}
	if d > ceiling {
		d = ceiling
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
