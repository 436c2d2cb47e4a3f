package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/pxp888/partyshot/pkg/logging"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g. "watcher.ttl"
	Message string // e.g. "must be positive"
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate aggregates every problem so the caller can print all issues at once.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateBroker()...)
	errs = append(errs, c.validateWatcher()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateGateway() []error {
	var errs []error
	gc := c.Gateway

	if _, port, err := net.SplitHostPort(gc.ListenAddr); err != nil || port == "" {
		errs = append(errs, ValidationError{
			Path:    "gateway.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q", gc.ListenAddr),
			Hint:    "expected host:port or :port",
		})
	}
	if gc.PingInterval <= 0 {
		errs = append(errs, ValidationError{Path: "gateway.ping_interval", Message: "must be positive"})
	}
	if gc.WriteTimeout <= 0 {
		errs = append(errs, ValidationError{Path: "gateway.write_timeout", Message: "must be positive"})
	}
	if gc.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{Path: "gateway.shutdown_timeout", Message: "must be positive"})
	}
	if gc.RequireSecret && c.Broker.Backend == BackendMemory {
		errs = append(errs, ValidationError{
			Path:    "gateway.require_secret",
			Message: "requires a redis or olric secret store",
			Hint:    "set broker.backend to redis or olric, or disable require_secret",
		})
	}
	return errs
}

func (c *Config) validateBroker() []error {
	var errs []error
	bc := c.Broker

	switch bc.Backend {
	case BackendRedis:
		u, err := url.Parse(bc.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") || u.Host == "" {
			errs = append(errs, ValidationError{
				Path:    "broker.redis_url",
				Message: fmt.Sprintf("invalid redis url %q", bc.RedisURL),
				Hint:    "expected redis://host:port/db",
			})
		}
	case BackendOlric:
		if len(bc.OlricServers) == 0 {
			errs = append(errs, ValidationError{Path: "broker.olric_servers", Message: "must not be empty"})
		}
		for i, s := range bc.OlricServers {
			if _, _, err := net.SplitHostPort(strings.TrimSpace(s)); err != nil {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("broker.olric_servers[%d]", i),
					Message: fmt.Sprintf("invalid address %q", s),
				})
			}
		}
	case BackendMemory:
	default:
		errs = append(errs, ValidationError{
			Path:    "broker.backend",
			Message: fmt.Sprintf("unknown backend %q", bc.Backend),
			Hint:    "expected redis, olric or memory",
		})
	}
	if bc.Timeout <= 0 {
		errs = append(errs, ValidationError{Path: "broker.timeout", Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateWatcher() []error {
	var errs []error
	wc := c.Watcher

	if wc.TTL <= 0 {
		errs = append(errs, ValidationError{Path: "watcher.ttl", Message: "must be positive"})
	}
	if wc.SweepInterval <= 0 {
		errs = append(errs, ValidationError{Path: "watcher.sweep_interval", Message: "must be positive"})
	}
	if wc.SendTimeout <= 0 {
		errs = append(errs, ValidationError{Path: "watcher.send_timeout", Message: "must be positive"})
	}
	if wc.TTL > 0 && wc.SweepInterval > wc.TTL {
		errs = append(errs, ValidationError{
			Path:    "watcher.sweep_interval",
			Message: "must not exceed watcher.ttl",
			Hint:    "expired subscriptions would linger for more than one TTL",
		})
	}
	return errs
}

func (c *Config) validateLogging() []error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return []error{ValidationError{
			Path:    "logging.level",
			Message: err.Error(),
			Hint:    "expected debug, info, warn or error",
		}}
	}
	return nil
}
