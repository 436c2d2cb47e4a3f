package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/logging"
)

// Redis is a broker backed by Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client *redis.Client
	logger *logging.ColoredLogger
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(url string, logger *logging.ColoredLogger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.NewValidationError("broker.redis_url", err.Error(), url)
	}
	return &Redis{client: redis.NewClient(opts), logger: logger}, nil
}

// Client exposes the underlying client so other stores can share the connection pool.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Publish implements Broker.
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.NewServiceError("redis", errors.CodeBrokerError, "publish failed", err)
	}
	return nil
}

// Subscribe implements Broker. It waits for the SUBSCRIBE confirmation so a
// connection failure surfaces here rather than as a silently empty stream.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.NewServiceError("redis", errors.CodeBrokerError,
			fmt.Sprintf("subscribe %s failed", channel), err)
	}
	r.logger.ComponentDebug(logging.ComponentBroker, "redis subscription established",
		zap.String("channel", channel))
	return newRedisSubscription(channel, ps), nil
}

// Ping implements Broker.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewServiceError("redis", errors.CodeServiceUnavailable, "ping failed", err)
	}
	return nil
}

// Close implements Broker.
func (r *Redis) Close() error {
	return r.client.Close()
}

// redisSubscription adapts *redis.PubSub. Olric speaks the same protocol and
// hands back the same type, so both backends share it.
type redisSubscription struct {
	channel string
	ps      *redis.PubSub
	out     chan string
	done    chan struct{}
	once    sync.Once
}

func newRedisSubscription(channel string, ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		channel: channel,
		ps:      ps,
		out:     make(chan string),
		done:    make(chan struct{}),
	}
	go s.pump(ps.Channel())
	return s
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- msg.Payload:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Channel() string { return s.channel }

func (s *redisSubscription) Messages() <-chan string { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
