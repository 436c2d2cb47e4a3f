package broker

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pxp888/partyshot/pkg/config"
	"github.com/pxp888/partyshot/pkg/logging"
)

// FromConfig builds the broker selected by cfg.Backend.
func FromConfig(cfg config.BrokerConfig, logger *logging.ColoredLogger) (Broker, error) {
	logger.ComponentInfo(logging.ComponentBroker, "creating broker", zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendRedis:
		return NewRedis(cfg.RedisURL, logger)
	case config.BackendOlric:
		return NewOlric(cfg.OlricServers, logger)
	case config.BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
}
