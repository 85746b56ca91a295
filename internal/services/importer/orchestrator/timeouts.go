package orchestrator

import (
	"context"
	"time"
)

// Timeouts bounds the pieces of one queue item. Zero means no extra limit
type Timeouts struct {
	// Item caps the whole pipeline run of one queue item
	Item time.Duration

	// DB caps each queue status write
	DB time.Duration
}

// ForItem returns a context bounded by Item and any parent deadline
func ForItem(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	return withChildTimeout(parent, t.Item)
}

// ForDB returns a context for a status write. It survives cancellation of the
// parent so an item is never left running because the job was interrupted
func ForDB(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	return withChildTimeout(context.WithoutCancel(parent), t.DB)
}

// Remaining returns the time until the deadline on ctx or zero when none is set or already expired
func Remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
	}
	return 0
}

// withChildTimeout takes the tighter of d and the parent remainder and never
// extends the parent deadline
func withChildTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	if rem := Remaining(parent); rem > 0 && rem < d {
		return context.WithTimeout(parent, rem)
	}
	return context.WithTimeout(parent, d)
}
