package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the top-level configuration of the realtime gateway
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Broker  BrokerConfig  `yaml:"broker"`
	Watcher WatcherConfig `yaml:"watcher"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig contains the HTTP/WebSocket listener configuration
type GatewayConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`      // e.g. ":8000"
	RequireSecret   bool          `yaml:"require_secret"`   // Check wssecret against the secret store on /ws
	PingInterval    time.Duration `yaml:"ping_interval"`    // WebSocket keepalive ping interval
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // Deadline for a single websocket write
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful HTTP shutdown timeout
}

// BrokerConfig selects and configures the pub/sub backend
type BrokerConfig struct {
	Backend      string        `yaml:"backend"`       // redis, olric or memory
	RedisURL     string        `yaml:"redis_url"`     // e.g. redis://localhost:6379/0
	OlricServers []string      `yaml:"olric_servers"` // e.g. ["localhost:3320"]
	Timeout      time.Duration `yaml:"timeout"`       // Timeout for publish/ping operations
}

// WatcherConfig controls subscription lifetimes
type WatcherConfig struct {
	TTL           time.Duration `yaml:"ttl"`            // Subscription time-to-live
	SweepInterval time.Duration `yaml:"sweep_interval"` // Expiry sweep period
	SendTimeout   time.Duration `yaml:"send_timeout"`   // Bound on a single send to a connection
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // Empty for stdout
	Colors     bool   `yaml:"colors"`
}

// Broker backends
const (
	BackendRedis  = "redis"
	BackendOlric  = "olric"
	BackendMemory = "memory"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:      ":8000",
			RequireSecret:   true,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			Backend:      BackendRedis,
			RedisURL:     "redis://localhost:6379/0",
			OlricServers: []string{"localhost:3320"},
			Timeout:      5 * time.Second,
		},
		Watcher: WatcherConfig{
			TTL:           10 * time.Minute,
			SweepInterval: 60 * time.Second,
			SendTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Colors: true,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	if err := DecodeStrict(f, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
