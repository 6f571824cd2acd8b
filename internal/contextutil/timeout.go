package contextutil

import (
	"context"
	"time"
)

// WithTimeout returns parent if d<=0; otherwise wraps it with a timeout.
// A nil parent is treated as context.Background().
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
//
// Poll loops use it so a canceled connect attempt stops waiting immediately
// instead of finishing out the current interval.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
