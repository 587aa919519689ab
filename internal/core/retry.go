package core

import (
	"context"
	"time"
)

// withConflictRetry runs fn until it succeeds, fails with something other
// than Conflict, or has been tried attempts+1 times. The delay doubles from
// base after each conflict.
func withConflictRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	delay := base
	for i := 0; ; i++ {
		err := fn()
		if err == nil || KindOf(err) != KindConflict || i >= attempts {
			return err
		}

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			delay *= 2
		}
	}
}
