package backoff

import (
	"errors"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		base time.Duration
		max  time.Duration
	}{
		{"zero base", 0, time.Minute},
		{"zero max", time.Second, 0},
		{"max below base", time.Minute, time.Second},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.base, tc.max); !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("New(%v, %v): err = %v, want ErrInvalidPolicy", tc.base, tc.max, err)
			}
		})
	}
}

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()

	p, err := New(time.Second, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{100, time.Minute},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
