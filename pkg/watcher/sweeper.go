package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/logging"
)

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Evicted int
	// Restarted counts channels that had subscribers but no listener.
	Restarted int
}

// Start launches the expiry sweeper. It runs until ctx is done or Close is
// called. Only the first call has an effect.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.sweepLoop(ctx)
		w.logger.ComponentInfo(logging.ComponentWatcher, "expiry sweeper started",
			zap.Duration("interval", w.sweepInterval),
			zap.Duration("ttl", w.ttl))
	})
}

func (w *Watcher) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			res := w.Sweep()
			if res.Evicted > 0 || res.Restarted > 0 {
				w.logger.ComponentInfo(logging.ComponentWatcher, "sweep finished",
					zap.Int("evicted", res.Evicted),
					zap.Int("listeners_restarted", res.Restarted))
			}
		}
	}
}

// Sweep evicts every subscription whose deadline has passed and restarts
// listeners for channels that lost theirs. A failure while handling one
// connection is logged and the sweep moves on to the next.
func (w *Watcher) Sweep() SweepResult {
	now := w.now()

	w.mu.Lock()
	expired := w.reg.expired(now)
	w.mu.Unlock()

	var res SweepResult
	for conn, channels := range expired {
		res.Evicted += w.sweepConnection(conn, channels, now)
	}

	w.mu.Lock()
	for _, channel := range w.reg.orphans() {
		if w.ensureListenerLocked(channel) {
			res.Restarted++
		}
	}
	w.mu.Unlock()
	return res
}

func (w *Watcher) sweepConnection(conn Connection, channels []string, now time.Time) (evicted int) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ComponentError(logging.ComponentWatcher, "sweep failed for connection",
				zap.Any("panic", r),
				zap.Strings("channels", channels))
		}
	}()
	for _, channel := range channels {
		if w.evictIfExpired(conn, channel, now) {
			evicted++
		}
	}
	return evicted
}
