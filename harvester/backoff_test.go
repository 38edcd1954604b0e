package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestExponentialSchedule(t *testing.T) {
	tests := []struct {
		name string
		base time.Duration
		max  time.Duration
		want []time.Duration
	}{
		{
			name: "doubling to cap",
			base: time.Second,
			max:  16 * time.Second,
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
		{
			name: "cap not a power of two",
			base: time.Second,
			max:  5 * time.Second,
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second},
		},
		{
			name: "no cap",
			base: 250 * time.Millisecond,
			max:  0,
			want: []time.Duration{250 * time.Millisecond},
		},
		{
			name: "zero base uses default",
			base: 0,
			max:  2 * time.Second,
			want: []time.Duration{time.Second, 2 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExponentialSchedule(tt.base, tt.max)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("schedule mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBackoffDelayFor(t *testing.T) {
	b := NewBackoff([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second})

	cases := map[int]time.Duration{
		-1: time.Second,
		0:  time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  4 * time.Second,
		50: 4 * time.Second,
	}
	for attempt, want := range cases {
		if got := b.DelayFor(attempt); got != want {
			t.Fatalf("DelayFor(%d) = %v, want %v", attempt, got, want)
		}
	}

	if got := NewBackoff(nil).DelayFor(3); got != 0 {
		t.Fatalf("empty schedule delay = %v, want 0", got)
	}
}

func TestBackoffScheduleIsCopy(t *testing.T) {
	src := []time.Duration{time.Second}
	b := NewBackoff(src)
	src[0] = time.Hour

	schedule := b.Schedule()
	schedule[0] = time.Minute
	if got := b.DelayFor(0); got != time.Second {
		t.Fatalf("backoff mutated through shared slice: %v", got)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepContext(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleepContext ignored cancellation")
	}
}
