package broker

import (
	"context"
	"fmt"
	"time"

	olriclib "github.com/olric-data/olric"
	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/logging"
)

const olricHealthDMap = "_partyshot_health"

// Olric is a broker backed by an Olric cluster's pub/sub.
type Olric struct {
	client *olriclib.ClusterClient
	pubsub *olriclib.PubSub
	logger *logging.ColoredLogger
}

// NewOlric connects to the given Olric servers. If servers is empty it defaults to localhost:3320.
func NewOlric(servers []string, logger *logging.ColoredLogger) (*Olric, error) {
	if len(servers) == 0 {
		servers = []string{"localhost:3320"}
	}

	client, err := olriclib.NewClusterClient(servers)
	if err != nil {
		return nil, errors.NewServiceError("olric", errors.CodeServiceUnavailable,
			"failed to create Olric cluster client", err)
	}
	ps, err := client.NewPubSub()
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.NewServiceError("olric", errors.CodeBrokerError,
			"failed to create Olric pubsub", err)
	}

	return &Olric{client: client, pubsub: ps, logger: logger}, nil
}

// Client exposes the cluster client so the secret store can share it.
func (o *Olric) Client() *olriclib.ClusterClient {
	return o.client
}

// Publish implements Broker.
func (o *Olric) Publish(ctx context.Context, channel, payload string) error {
	if _, err := o.pubsub.Publish(ctx, channel, payload); err != nil {
		return errors.NewServiceError("olric", errors.CodeBrokerError, "publish failed", err)
	}
	return nil
}

// Subscribe implements Broker.
func (o *Olric) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := o.pubsub.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.NewServiceError("olric", errors.CodeBrokerError,
			fmt.Sprintf("subscribe %s failed", channel), err)
	}
	o.logger.ComponentDebug(logging.ComponentBroker, "olric subscription established",
		zap.String("channel", channel))
	return newRedisSubscription(channel, ps), nil
}

// Ping round-trips a key through a DMap, the way the cache layer checks cluster health.
func (o *Olric) Ping(ctx context.Context) error {
	dm, err := o.client.NewDMap(olricHealthDMap)
	if err != nil {
		return errors.NewServiceError("olric", errors.CodeServiceUnavailable, "health dmap unavailable", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := fmt.Sprintf("ping_%d", time.Now().UnixNano())
	if err := dm.Put(ctx, key, "ok"); err != nil {
		return errors.NewServiceError("olric", errors.CodeServiceUnavailable, "health put failed", err)
	}
	_, _ = dm.Delete(ctx, key)
	return nil
}

// Close implements Broker.
func (o *Olric) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.client.Close(ctx)
}
