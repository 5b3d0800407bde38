package monitor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// retryWithBackoff runs fn up to attempts+1 times, sleeping an
// exponentially growing delay between tries. The clock is injected so
// tests can drive the delays deterministically. Every retry path is
// bounded by the attempt count and the context deadline.
func retryWithBackoff(ctx context.Context, clk clock.Clock, attempts int, base time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}
		delay := base << uint(attempt)
		timer := clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
