package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/logging"
)

// listener relays one broker channel to its current subscribers.
type listener struct {
	w       *Watcher
	channel string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newListener(w *Watcher, channel string) *listener {
	ctx, cancel := context.WithCancel(w.ctx)
	return &listener{
		w:       w,
		channel: channel,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// stop cancels the listener without waiting for it.
func (l *listener) stop() {
	l.cancel()
}

func (l *listener) run() {
	defer l.w.wg.Done()
	defer close(l.done)
	defer l.w.listenerExited(l)
	defer l.cancel()

	log := l.w.logger
	sub, err := l.w.broker.Subscribe(l.ctx, l.channel)
	if err != nil {
		if l.ctx.Err() == nil {
			log.ComponentError(logging.ComponentWatcher, "listener could not subscribe",
				zap.String("channel", l.channel),
				zap.Error(err))
		}
		return
	}
	defer sub.Close()

	log.ComponentInfo(logging.ComponentWatcher, "listener started", zap.String("channel", l.channel))
	defer log.ComponentInfo(logging.ComponentWatcher, "listener stopped", zap.String("channel", l.channel))

	messages := sub.Messages()
	for {
		select {
		case <-l.ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				if l.ctx.Err() == nil {
					log.ComponentWarn(logging.ComponentWatcher, "broker subscription ended",
						zap.String("channel", l.channel))
				}
				return
			}
			l.broadcast(payload)
		}
	}
}

// recipients reads the live subscriber set for one message. A listener that
// has been detached gets nothing, so a replacement listener never races it.
func (l *listener) recipients(now time.Time) (live, lapsed []Connection) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	if cur, ok := l.w.reg.listeners[l.channel]; !ok || cur != l {
		return nil, nil
	}
	return l.w.reg.recipients(l.channel, now)
}

// broadcast delivers payload to every live subscriber in parallel and returns
// once each send has finished or timed out.
func (l *listener) broadcast(payload string) {
	now := l.w.now()
	live, lapsed := l.recipients(now)

	for _, conn := range lapsed {
		l.w.evictIfExpired(conn, l.channel, now)
	}
	if len(live) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, conn := range live {
		wg.Add(1)
		go func(conn Connection) {
			defer wg.Done()
			err := l.w.deliver(l.ctx, conn, payload)
			if err == nil || l.ctx.Err() != nil {
				return
			}
			l.w.logger.ComponentWarn(logging.ComponentWatcher, "send failed, dropping connection",
				zap.String("conn", conn.ID()),
				zap.String("channel", l.channel),
				zap.Error(err))
			l.w.UnsubscribeAll(conn)
		}(conn)
	}
	wg.Wait()
}

// deliver runs conn.Send under the send timeout. A Send that ignores its
// context is abandoned when the deadline passes and reported as a failure.
func (w *Watcher) deliver(parent context.Context, conn Connection, payload string) (err error) {
	ctx, cancel := context.WithTimeout(parent, w.sendTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("send panicked: %v", r)
			}
		}()
		result <- conn.Send(ctx, payload)
	}()

	select {
	case err = <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("send to %s: %w", conn.ID(), ctx.Err())
	}
}
