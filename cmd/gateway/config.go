package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pxp888/partyshot/pkg/config"
)

const envPrefix = "PARTYSHOT_"

// options holds the command line. Fields for flags that were not given stay unapplied.
type options struct {
	configPath string
	set        map[string]bool

	addr          string
	requireSecret bool
	backend       string
	redisURL      string
	olricServers  string
	ttl           time.Duration
	sweepInterval time.Duration
	sendTimeout   time.Duration
	logLevel      string
}

func parseFlags(args []string, getenv func(string) string) (*options, error) {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	o := &options{set: make(map[string]bool)}

	fs.StringVar(&o.configPath, "config", getenv(envPrefix+"CONFIG"), "Path to YAML config file")
	fs.StringVar(&o.addr, "addr", "", "HTTP listen address (e.g., :8000)")
	fs.BoolVar(&o.requireSecret, "require-secret", true, "Require a valid wssecret on /ws")
	fs.StringVar(&o.backend, "broker", "", "Broker backend: redis, olric or memory")
	fs.StringVar(&o.redisURL, "redis-url", "", "Redis URL (e.g., redis://localhost:6379/0)")
	fs.StringVar(&o.olricServers, "olric-servers", "", "Comma-separated Olric server addresses")
	fs.DurationVar(&o.ttl, "ttl", 0, "Subscription time-to-live")
	fs.DurationVar(&o.sweepInterval, "sweep-interval", 0, "Expiry sweep interval")
	fs.DurationVar(&o.sendTimeout, "send-timeout", 0, "Bound on a single send to a client")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// loadConfig resolves configuration with priority flags > env > YAML > defaults.
func loadConfig(args []string, getenv func(string) string) (*config.Config, error) {
	o, err := parseFlags(args, getenv)
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	o.apply(cfg)

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config, getenv func(string) string) error {
	env := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(envPrefix + key))
		return v, v != ""
	}

	if v, ok := env("LISTEN_ADDR"); ok {
		cfg.Gateway.ListenAddr = v
	}
	if v, ok := env("REQUIRE_SECRET"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_SECRET: %w", envPrefix, err)
		}
		cfg.Gateway.RequireSecret = b
	}
	if v, ok := env("BROKER"); ok {
		cfg.Broker.Backend = v
	}
	if v, ok := env("REDIS_URL"); ok {
		cfg.Broker.RedisURL = v
	}
	if v, ok := env("OLRIC_SERVERS"); ok {
		cfg.Broker.OlricServers = splitList(v)
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TTL", &cfg.Watcher.TTL},
		{"SWEEP_INTERVAL", &cfg.Watcher.SweepInterval},
		{"SEND_TIMEOUT", &cfg.Watcher.SendTimeout},
	}
	for _, d := range durations {
		v, ok := env(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, d.key, err)
		}
		*d.dst = parsed
	}
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func (o *options) apply(cfg *config.Config) {
	if o.set["addr"] {
		cfg.Gateway.ListenAddr = o.addr
	}
	if o.set["require-secret"] {
		cfg.Gateway.RequireSecret = o.requireSecret
	}
	if o.set["broker"] {
		cfg.Broker.Backend = o.backend
	}
	if o.set["redis-url"] {
		cfg.Broker.RedisURL = o.redisURL
	}
	if o.set["olric-servers"] {
		cfg.Broker.OlricServers = splitList(o.olricServers)
	}
	if o.set["ttl"] {
		cfg.Watcher.TTL = o.ttl
	}
	if o.set["sweep-interval"] {
		cfg.Watcher.SweepInterval = o.sweepInterval
	}
	if o.set["send-timeout"] {
		cfg.Watcher.SendTimeout = o.sendTimeout
	}
	if o.set["log-level"] {
		cfg.Logging.Level = o.logLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
