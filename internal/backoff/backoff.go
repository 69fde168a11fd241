// Package backoff computes retry delays for recreating engine workers.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config holds the configuration for exponential backoff.
type Config struct {
	Initial    time.Duration // first delay (default: 500ms)
	Max        time.Duration // cap on any delay (default: 30s)
	Multiplier float64       // growth per attempt (default: 2)
	JitterPct  float64       // jitter as a fraction of the delay (default: 0.4 = ±20%)
}

// DefaultConfig returns the refill defaults.
func DefaultConfig() Config {
	return Config{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		JitterPct:  0.4,
	}
}

// Backoff calculates exponential delays with jitter for one pool slot.
// The slot and seed fix the jitter sequence, so slots that fail together
// do not retry in lockstep. Not safe for concurrent use.
type Backoff struct {
	config   Config
	attempts int
	rng      *rand.Rand
}

// New creates a Backoff for slot.
func New(slot int, seed int64, cfg Config) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(int64(slot) ^ seed)),
	}
}

// Next returns the next delay and counts the attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Calculate()
	b.attempts++
	return d
}

// Calculate returns the current delay without counting an attempt.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		span := delay * b.config.JitterPct
		delay += span*b.rng.Float64() - span/2
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Reset sets the attempt counter back to zero.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the attempt count.
func (b *Backoff) Attempts() int { return b.attempts }

// Retry calls fn until it succeeds, ctx ends, or maxAttempts calls have
// failed (0 means no limit). It waits Next() between calls and returns the
// last error.
func Retry(ctx context.Context, b *Backoff, maxAttempts int, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			b.Reset()
			return nil
		}
		if maxAttempts > 0 && b.Attempts()+1 >= maxAttempts {
			return err
		}
		t := time.NewTimer(b.Next())
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
