package broker

import (
	"context"
	"sync"

	"github.com/pxp888/partyshot/pkg/errors"
)

const memoryBufferSize = 256

// Memory is an in-process broker. It backs single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	broker  *Memory
	channel string
	in      chan string // written by publishers, never closed
	out     chan string // closed by pump once done is closed
	done    chan struct{}
	once    sync.Once
}

// Publish delivers payload to every subscription of channel, blocking while a
// subscriber's buffer is full until ctx ends.
func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.in <- payload:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a new subscription for channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.ErrClosed
	}

	s := &memorySubscription{
		broker:  m,
		channel: channel,
		in:      make(chan string, memoryBufferSize),
		out:     make(chan string),
		done:    make(chan struct{}),
	}
	go s.pump()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers reports how many open subscriptions channel has.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

// Ping always succeeds until Close.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.ErrClosed
	}
	return nil
}

// Close ends every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]map[*memorySubscription]struct{})
	m.closed = true
	m.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.finish()
		}
	}
	return nil
}

func (s *memorySubscription) Channel() string { return s.channel }

func (s *memorySubscription) Messages() <-chan string { return s.out }

func (s *memorySubscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.in:
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	if set, ok := s.broker.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.broker.subs, s.channel)
		}
	}
	s.broker.mu.Unlock()
	s.finish()
	return nil
}

func (s *memorySubscription) finish() {
	s.once.Do(func() {
		close(s.done)
	})
}
