package pool

import (
	"context"
	"sync"
	"time"
)

var timerPool = sync.Pool{}

// GetTimer returns a stopped-and-drained timer from the pool reset to d.
func GetTimer(d time.Duration) *time.Timer {
	timer, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	ResetAndDrainTimer(timer, d)
	return timer
}

// ReleaseTimer stops the timer and puts it back to the pool.
func ReleaseTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	stopAndDrain(timer)
	timerPool.Put(timer)
}

// ResetAndDrainTimer stops the timer, drains the channel and starts it
// again with d.
func ResetAndDrainTimer(timer *time.Timer, d time.Duration) {
	stopAndDrain(timer)
	timer.Reset(d)
}

func stopAndDrain(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := GetTimer(d)
	defer ReleaseTimer(t)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
