// Package watcher fans broker channels out to client connections.
//
// A Watcher keeps a registry of (connection, channel, expiry) subscriptions,
// runs exactly one listener goroutine per channel that has subscribers, and
// sweeps subscriptions whose TTL lapsed. Every registry read-modify-write and
// every listener start/stop decision happens under one mutex; the mutex is
// never held across broker waits or connection sends.
package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/broker"
	"github.com/pxp888/partyshot/pkg/logging"
)

// Defaults for Options fields left at zero.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	DefaultSendTimeout   = 10 * time.Second
)

// Connection is a client's duplex message stream. Implementations must be
// comparable by reference (pointer types): the Watcher uses them as map keys.
type Connection interface {
	// ID identifies the connection in logs.
	ID() string
	// Send writes one text payload. It must give up once ctx is done.
	Send(ctx context.Context, payload string) error
}

// Options configures a Watcher.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ChannelStats describes one channel in the registry.
type ChannelStats struct {
	Channel     string `json:"channel"`
	Subscribers int    `json:"subscribers"`
	Listening   bool   `json:"listening"`
}

// Watcher is the fan-out manager. Create one per process with New.
type Watcher struct {
	broker broker.Broker
	logger *logging.ColoredLogger

	ttl           time.Duration
	sweepInterval time.Duration
	sendTimeout   time.Duration
	now           func() time.Time

	mu     sync.Mutex
	reg    *registry
	closed bool

	// ctx parents every listener and the sweeper; cancel tears them all down.
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New creates a Watcher publishing nothing itself: it only subscribes to b.
func New(b broker.Broker, opts Options, logger *logging.ColoredLogger) *Watcher {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		broker:        b,
		logger:        logger,
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		sendTimeout:   opts.SendTimeout,
		now:           opts.Now,
		reg:           newRegistry(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe adds or refreshes the (conn, channel) subscription with a fresh TTL
// and makes sure a listener runs for channel. It never fails: a listener that
// cannot reach the broker logs, exits, and is retried by the next Subscribe or sweep.
func (w *Watcher) Subscribe(conn Connection, channel string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.reg.add(conn, channel, w.now().Add(w.ttl))
	started := w.ensureListenerLocked(channel)
	w.mu.Unlock()

	w.logger.ComponentDebug(logging.ComponentWatcher, "subscribed",
		zap.String("conn", conn.ID()),
		zap.String("channel", channel),
		zap.Bool("listener_started", started))
}

// Unsubscribe removes a single subscription. Unknown pairs are a no-op.
func (w *Watcher) Unsubscribe(conn Connection, channel string) {
	w.mu.Lock()
	var stopped *listener
	if w.reg.remove(conn, channel) {
		stopped = w.detachListenerLocked(channel)
	}
	w.mu.Unlock()

	if stopped != nil {
		stopped.stop()
		w.logger.ComponentDebug(logging.ComponentWatcher, "last subscriber left, listener stopped",
			zap.String("channel", channel))
	}
}

// UnsubscribeAll removes every subscription conn holds. Used on disconnect and after a failed send.
func (w *Watcher) UnsubscribeAll(conn Connection) {
	w.mu.Lock()
	emptied := w.reg.removeAll(conn)
	stopped := make([]*listener, 0, len(emptied))
	for _, channel := range emptied {
		if l := w.detachListenerLocked(channel); l != nil {
			stopped = append(stopped, l)
		}
	}
	w.mu.Unlock()

	for _, l := range stopped {
		l.stop()
	}
	if len(emptied) > 0 {
		w.logger.ComponentDebug(logging.ComponentWatcher, "connection fully unsubscribed",
			zap.String("conn", conn.ID()),
			zap.Strings("emptied_channels", emptied))
	}
}

// KeepAlive resets the TTL of each named channel conn is subscribed to.
// Channels conn does not hold are ignored.
func (w *Watcher) KeepAlive(conn Connection, channels ...string) {
	w.mu.Lock()
	deadline := w.now().Add(w.ttl)
	refreshed := 0
	for _, channel := range channels {
		if w.reg.refresh(conn, channel, deadline) {
			refreshed++
		}
	}
	w.mu.Unlock()

	w.logger.ComponentDebug(logging.ComponentWatcher, "keep-alive",
		zap.String("conn", conn.ID()),
		zap.Int("requested", len(channels)),
		zap.Int("refreshed", refreshed))
}

// evictIfExpired removes (conn, channel) only if its deadline has passed at now.
// The check and the removal are one critical section, so a concurrent
// KeepAlive either lands first and wins or lands after and is a no-op.
func (w *Watcher) evictIfExpired(conn Connection, channel string, now time.Time) bool {
	w.mu.Lock()
	t, ok := w.reg.expiresAt(conn, channel)
	if !ok || now.Before(t) {
		w.mu.Unlock()
		return false
	}
	var stopped *listener
	if w.reg.remove(conn, channel) {
		stopped = w.detachListenerLocked(channel)
	}
	w.mu.Unlock()

	if stopped != nil {
		stopped.stop()
	}
	w.logger.ComponentDebug(logging.ComponentWatcher, "subscription expired",
		zap.String("conn", conn.ID()),
		zap.String("channel", channel),
		zap.Bool("listener_stopped", stopped != nil))
	return true
}

// ensureListenerLocked starts a listener for channel unless one is registered.
// Caller holds w.mu, which makes the check-and-register atomic.
func (w *Watcher) ensureListenerLocked(channel string) bool {
	if w.closed {
		return false
	}
	if _, ok := w.reg.listeners[channel]; ok {
		return false
	}
	l := newListener(w, channel)
	w.reg.listeners[channel] = l
	w.wg.Add(1)
	go l.run()
	return true
}

// detachListenerLocked deregisters channel's listener and returns it so the
// caller can cancel it after releasing w.mu.
func (w *Watcher) detachListenerLocked(channel string) *listener {
	l, ok := w.reg.listeners[channel]
	if !ok {
		return nil
	}
	delete(w.reg.listeners, channel)
	return l
}

// listenerExited drops l from the registry if it is still the registered
// listener. A listener replaced or detached earlier leaves the map alone.
func (w *Watcher) listenerExited(l *listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.reg.listeners[l.channel]; ok && cur == l {
		delete(w.reg.listeners, l.channel)
	}
}

// Channels returns a snapshot of every channel with subscribers, sorted by name.
func (w *Watcher) Channels() []ChannelStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]ChannelStats, 0, len(w.reg.byChannel))
	for channel, set := range w.reg.byChannel {
		_, listening := w.reg.listeners[channel]
		out = append(out, ChannelStats{Channel: channel, Subscribers: len(set), Listening: listening})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Subscriptions lists the channels conn is subscribed to, sorted.
func (w *Watcher) Subscriptions(conn Connection) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reg.channelsOf(conn)
}

// Subscribed reports whether conn is in channel's subscriber set.
func (w *Watcher) Subscribed(conn Connection, channel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.reg.byChannel[channel][conn]
	return ok
}

// ExpiresAt returns the deadline of the (conn, channel) subscription.
func (w *Watcher) ExpiresAt(conn Connection, channel string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reg.expiresAt(conn, channel)
}

// Listening reports whether a listener is registered for channel.
func (w *Watcher) Listening(channel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.reg.listeners[channel]
	return ok
}

// Close cancels the sweeper and every listener, forgets all subscriptions and
// waits for the goroutines to exit. Calls after the first are no-ops.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	listeners := len(w.reg.listeners)
	w.reg = newRegistry()
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	w.logger.ComponentInfo(logging.ComponentWatcher, "watcher closed",
		zap.Int("listeners_stopped", listeners))
}
