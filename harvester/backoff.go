package harvester

import (
	"context"
	"time"
)

const defaultBackoffBase = time.Second

// Backoff is a fixed retry schedule. Attempts past its end reuse the last entry.
type Backoff struct {
	schedule []time.Duration
}

// NewBackoff copies schedule into a Backoff.
func NewBackoff(schedule []time.Duration) Backoff {
	out := make([]time.Duration, len(schedule))
	copy(out, schedule)
	return Backoff{schedule: out}
}

// ExponentialSchedule doubles base until it reaches max; max is the final entry.
// A non-positive max yields a single-entry schedule of base.
func ExponentialSchedule(base, max time.Duration) []time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 || max < base {
		return []time.Duration{base}
	}

	var schedule []time.Duration
	for d := base; d < max; d *= 2 {
		schedule = append(schedule, d)
	}
	return append(schedule, max)
}

// DelayFor returns the wait before retry number attempt (0-based).
func (b Backoff) DelayFor(attempt int) time.Duration {
	if len(b.schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b.schedule) {
		return b.schedule[len(b.schedule)-1]
	}
	return b.schedule[attempt]
}

// Schedule returns a copy of the configured delays.
func (b Backoff) Schedule() []time.Duration {
	out := make([]time.Duration, len(b.schedule))
	copy(out, b.schedule)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
