package ppg

import (
	"context"
	"time"
)

// Clock drives frame capture. Ticks stops when ctx is done.
type Clock interface {
	Ticks(ctx context.Context) <-chan time.Time
}

// TickerClock ticks at a fixed frame rate. Ticks the consumer is not ready
// for are dropped.
type TickerClock struct {
	FPS int
}

func (c TickerClock) Ticks(ctx context.Context) <-chan time.Time {
	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}

	out := make(chan time.Time)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case out <- now:
				default:
				}
			}
		}
	}()
	return out
}
