package backoff

import (
	"testing"
	"time"
)

func TestNextWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt no jitter",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
			attempt:     1,
			randomValue: 0.5,
			expected:    time.Second,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
			attempt:     2,
			randomValue: 0.5,
			expected:    2 * time.Second,
		},
		{
			name:        "fourth attempt",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
			attempt:     4,
			randomValue: 0,
			expected:    8 * time.Second,
		},
		{
			name:        "clamped to max",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
			attempt:     10,
			randomValue: 0.9,
			expected:    time.Minute,
		},
		{
			name:        "jitter adds fraction of base",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2},
			attempt:     1,
			randomValue: 0.5,
			expected:    1100 * time.Millisecond,
		},
		{
			name:        "attempt zero treated as first",
			policy:      Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
			attempt:     0,
			randomValue: 0,
			expected:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.NextWithRand(tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("NextWithRand(%d, %v) = %v, want %v",
					tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestNextStaysWithinBounds(t *testing.T) {
	policy := DefaultPolicy()
	for attempt := 1; attempt <= 20; attempt++ {
		d := policy.Next(attempt)
		if d < policy.Initial || d > policy.Max {
			t.Errorf("attempt %d: delay %v outside [%v, %v]",
				attempt, d, policy.Initial, policy.Max)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Initial != time.Second {
		t.Errorf("Initial = %v, want 1s", p.Initial)
	}
	if p.Max != 60*time.Second {
		t.Errorf("Max = %v, want 60s", p.Max)
	}
}
