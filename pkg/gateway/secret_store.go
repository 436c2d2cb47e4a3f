package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/google/uuid"
	olriclib "github.com/olric-data/olric"
	"github.com/redis/go-redis/v9"

	"github.com/pxp888/partyshot/pkg/broker"
	"github.com/pxp888/partyshot/pkg/errors"
)

// secretsDMap is the Olric map holding websocket secrets.
const secretsDMap = "partyshot-wssecrets"

// SecretStore keeps the per-user secret a client presents when opening /ws.
type SecretStore interface {
	// Get returns a not-found error when no secret was issued for username.
	Get(ctx context.Context, username string) (string, error)
	Set(ctx context.Context, username, secret string) error
}

// SecretKey is the key a user's secret is stored under.
func SecretKey(username string) string {
	return fmt.Sprintf("user:%s:uuid", username)
}

// NewSecret returns a random 32 character hex secret.
func NewSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SecretStoreFor returns the secret store sharing b's backend connection, or
// nil when the backend has no shared key space.
func SecretStoreFor(b broker.Broker) (SecretStore, error) {
	switch b := b.(type) {
	case *broker.Redis:
		return NewRedisSecretStore(b.Client()), nil
	case *broker.Olric:
		return NewOlricSecretStore(b.Client())
	default:
		return nil, nil
	}
}

// RedisSecretStore stores secrets as plain Redis string keys.
type RedisSecretStore struct {
	client redis.Cmdable
}

// NewRedisSecretStore wraps client.
func NewRedisSecretStore(client redis.Cmdable) *RedisSecretStore {
	return &RedisSecretStore{client: client}
}

// Get implements SecretStore.
func (s *RedisSecretStore) Get(ctx context.Context, username string) (string, error) {
	v, err := s.client.Get(ctx, SecretKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return "", errors.NewNotFoundError("wssecret", username)
	}
	if err != nil {
		return "", errors.NewServiceError("redis", errors.CodeServiceUnavailable, "secret lookup failed", err)
	}
	return v, nil
}

// Set implements SecretStore.
func (s *RedisSecretStore) Set(ctx context.Context, username, secret string) error {
	if err := s.client.Set(ctx, SecretKey(username), secret, 0).Err(); err != nil {
		return errors.NewServiceError("redis", errors.CodeServiceUnavailable, "secret store failed", err)
	}
	return nil
}

// OlricSecretStore stores secrets in an Olric DMap.
type OlricSecretStore struct {
	dm olriclib.DMap
}

// NewOlricSecretStore opens the secrets DMap on client.
func NewOlricSecretStore(client *olriclib.ClusterClient) (*OlricSecretStore, error) {
	dm, err := client.NewDMap(secretsDMap)
	if err != nil {
		return nil, errors.NewServiceError("olric", errors.CodeServiceUnavailable, "open secrets dmap", err)
	}
	return &OlricSecretStore{dm: dm}, nil
}

// Get implements SecretStore.
func (s *OlricSecretStore) Get(ctx context.Context, username string) (string, error) {
	gr, err := s.dm.Get(ctx, SecretKey(username))
	if errors.Is(err, olriclib.ErrKeyNotFound) {
		return "", errors.NewNotFoundError("wssecret", username)
	}
	if err != nil {
		return "", errors.NewServiceError("olric", errors.CodeServiceUnavailable, "secret lookup failed", err)
	}
	v, err := gr.String()
	if err != nil {
		return "", errors.NewServiceError("olric", errors.CodeInternal, "secret decode failed", err)
	}
	return v, nil
}

// Set implements SecretStore.
func (s *OlricSecretStore) Set(ctx context.Context, username, secret string) error {
	if err := s.dm.Put(ctx, SecretKey(username), secret); err != nil {
		return errors.NewServiceError("olric", errors.CodeServiceUnavailable, "secret store failed", err)
	}
	return nil
}

// verifySecret checks the presented secret against the stored one.
func (g *Gateway) verifySecret(ctx context.Context, username, secret string) error {
	if username == "" || secret == "" {
		return errors.NewUnauthorizedError("username and wssecret are required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.brokerTimeout)
	defer cancel()

	stored, err := g.secrets.Get(ctx, username)
	if errors.IsNotFound(err) {
		return errors.NewUnauthorizedError("unknown user or secret")
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) != 1 {
		return errors.NewUnauthorizedError("unknown user or secret")
	}
	return nil
}
