package recoveryagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	minRestartBackoff = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// GroupGoSafe runs fn in an errgroup goroutine. A panic is printed to
// stderr and fn is restarted with exponential backoff; it never cancels
// sibling goroutines. A returned error keeps errgroup semantics, and ctx
// cancellation stops the restart loop.
//
// Panics are printed without the logger since the logger may be what
// panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	group.Go(func() error {
		backoff := minRestartBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			recovered, panicked, err := callRecover(ctx, fn)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(withJitter(backoff)):
			}
			backoff = nextBackoff(backoff, maxRestartBackoff)
		}
	})
}

func callRecover(ctx context.Context, fn func(context.Context) error) (recovered any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered, panicked = r, true
		}
	}()
	return nil, false, fn(ctx)
}

// nextBackoff doubles cur up to limit.
func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}

// withJitter adds up to half of d, derived from the clock.
func withJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%int64(half))
}
