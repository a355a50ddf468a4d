package misc

import (
	"context"
	"time"
)

// SleepCtx sleeps for the given duration or until the context is canceled,
// in which case the context error is returned.
func SleepCtx(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
