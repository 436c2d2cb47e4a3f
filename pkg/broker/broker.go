// Package broker abstracts the pub/sub backend that carries realtime events
// between gateway processes. Payloads are opaque text; brokers never parse them.
package broker

import (
	"context"
)

// Broker publishes payloads to named channels and opens per-channel subscriptions.
type Broker interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe opens a subscription and returns once the backend has confirmed it.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping checks connectivity with the backend.
	Ping(ctx context.Context) error
	// Close releases every resource held by the broker.
	Close() error
}

// Subscription is a live stream of payloads for exactly one channel.
type Subscription interface {
	Channel() string
	// Messages is closed when the subscription ends, either through Close or
	// because the backend connection dropped.
	Messages() <-chan string
	// Close unsubscribes from the channel. Safe to call more than once.
	Close() error
}
