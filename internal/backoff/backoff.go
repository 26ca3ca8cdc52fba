// Package backoff provides the capped exponential retry policy shared by the
// ingestion, proving, and submission paths.
package backoff

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Policy computes the delay before retry attempt n (1-based). Delays double
// per attempt, starting at Base and capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

func New(base, max time.Duration) (Policy, error) {
	if base <= 0 || max <= 0 || max < base {
		return Policy{}, fmt.Errorf("%w: base %v max %v", ErrInvalidPolicy, base, max)
	}
	return Policy{Base: base, Max: max}, nil
}

// Delay returns the backoff delay before the given attempt. Attempt 1 waits
// Base, attempt 2 waits 2*Base, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
