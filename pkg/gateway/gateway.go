// Package gateway serves the realtime WebSocket endpoint and the small HTTP
// surface around it (publish, channel stats, secret issuance, health).
package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/broker"
	"github.com/pxp888/partyshot/pkg/config"
	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/events"
	"github.com/pxp888/partyshot/pkg/logging"
	"github.com/pxp888/partyshot/pkg/watcher"
)

// Dependencies are the collaborators a Gateway routes requests to.
type Dependencies struct {
	Broker  broker.Broker
	Watcher *watcher.Watcher
	// Secrets may be nil when secrets are not required.
	Secrets SecretStore
}

// Gateway holds the HTTP handlers and per-process connection state.
type Gateway struct {
	logger *logging.ColoredLogger

	requireSecret bool
	pingInterval  time.Duration
	writeTimeout  time.Duration
	brokerTimeout time.Duration

	broker   broker.Broker
	watcher  *watcher.Watcher
	secrets  SecretStore
	events   *events.Publisher
	upgrader websocket.Upgrader

	startedAt   time.Time
	connections atomic.Int64
}

// New creates a Gateway from the gateway and broker sections of cfg.
func New(cfg *config.Config, deps Dependencies, logger *logging.ColoredLogger) (*Gateway, error) {
	if deps.Broker == nil || deps.Watcher == nil {
		return nil, errors.NewValidationError("dependencies", "broker and watcher are required", nil)
	}
	if cfg.Gateway.RequireSecret && deps.Secrets == nil {
		return nil, errors.NewValidationError("gateway.require_secret", "a secret store is required", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	g := &Gateway{
		logger:        logger,
		requireSecret: cfg.Gateway.RequireSecret,
		pingInterval:  cfg.Gateway.PingInterval,
		writeTimeout:  cfg.Gateway.WriteTimeout,
		brokerTimeout: cfg.Broker.Timeout,
		broker:        deps.Broker,
		watcher:       deps.Watcher,
		secrets:       deps.Secrets,
		events:        events.NewPublisher(deps.Broker),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The frontend is served from other origins in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
	if g.pingInterval <= 0 {
		g.pingInterval = 30 * time.Second
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = 10 * time.Second
	}
	if g.brokerTimeout <= 0 {
		g.brokerTimeout = 5 * time.Second
	}

	logger.ComponentInfo(logging.ComponentGateway, "gateway initialized",
		zap.Bool("require_secret", g.requireSecret),
		zap.Duration("ping_interval", g.pingInterval),
		zap.Bool("secret_store", g.secrets != nil))
	return g, nil
}

// Connections reports how many WebSocket clients are connected.
func (g *Gateway) Connections() int64 {
	return g.connections.Load()
}
