package mcptransport

import (
	"sync/atomic"
	"time"
)

// activityClock tracks the timestamp of the last inbound byte, guarded by
// an atomic rather than a mutex per spec §5's "or equivalent atomics for
// the timestamp" allowance.
type activityClock struct {
	lastUnixNano atomic.Int64
}

func newActivityClock() *activityClock {
	c := &activityClock{}
	c.touch()
	return c
}

func (c *activityClock) touch() {
	c.lastUnixNano.Store(time.Now().UnixNano())
}

func (c *activityClock) since() time.Duration {
	last := c.lastUnixNano.Load()
	return time.Since(time.Unix(0, last))
}

// watchdog runs fn every interval until stop is closed. Used by the SSE
// transport to drive the inactivity ping and forced reconnect (§4.D).
type watchdog struct {
	stop chan struct{}
	done chan struct{}
}

func startWatchdog(interval time.Duration, fn func()) *watchdog {
	w := &watchdog{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-w.stop:
				return
			}
		}
	}()
	return w
}

func (w *watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}
