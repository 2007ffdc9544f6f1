// Package retry implements bounded fixed-interval retries for transient
// persistence failures. Parameters come from operator configuration, not
// package constants.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Interval time.Duration
}

// Do runs fn up to p.Attempts times, sleeping p.Interval between tries.
// It returns the last error, or the context error if cancelled mid-wait.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
	}
	return err
}
