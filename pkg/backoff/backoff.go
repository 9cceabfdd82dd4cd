// Package backoff provides exponential backoff calculation with optional jitter.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
	Jitter     float64       // fraction of the delay randomised, 0 disables (max 1)
}

func (c *Config) resolved() Config {
	out := Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}
	if c == nil {
		return out
	}
	if c.Initial > 0 {
		out.Initial = c.Initial
	}
	if c.Max > 0 {
		out.Max = c.Max
	}
	if c.Multiplier > 1 {
		out.Multiplier = c.Multiplier
	}
	out.Jitter = math.Min(math.Max(c.Jitter, 0), 1)
	return out
}

// Exponential calculates the delay before the given attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*Multiplier, and so on up to Max.
// With Jitter j the result is drawn uniformly from [d*(1-j), d].
func Exponential(attempt int, cfg *Config) time.Duration {
	c := cfg.resolved()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.Max) || math.IsInf(d, 0) {
		d = float64(c.Max)
	}
	if c.Jitter > 0 {
		d -= d * c.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
