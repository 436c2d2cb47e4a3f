package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pxp888/partyshot/pkg/broker"
	"github.com/pxp888/partyshot/pkg/config"
	"github.com/pxp888/partyshot/pkg/gateway"
	"github.com/pxp888/partyshot/pkg/logging"
	"github.com/pxp888/partyshot/pkg/watcher"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		OutputFile: cfg.Logging.OutputFile,
		Colors:     cfg.Logging.Colors,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ComponentError(logging.ComponentGeneral, "gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.ComponentInfo(logging.ComponentGeneral, "Gateway shutdown complete")
}

// run serves until ctx is cancelled, then shuts the server, watcher and broker down in that order.
func run(ctx context.Context, cfg *config.Config, logger *logging.ColoredLogger) error {
	b, err := broker.FromConfig(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	defer b.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
	if err := b.Ping(pingCtx); err != nil {
		logger.ComponentWarn(logging.ComponentBroker, "broker not reachable yet; listeners will retry",
			zap.String("backend", cfg.Broker.Backend),
			zap.Error(err))
	}
	cancel()

	var secrets gateway.SecretStore
	if cfg.Gateway.RequireSecret {
		if secrets, err = gateway.SecretStoreFor(b); err != nil {
			return fmt.Errorf("create secret store: %w", err)
		}
	}

	w := watcher.New(b, watcher.Options{
		TTL:           cfg.Watcher.TTL,
		SweepInterval: cfg.Watcher.SweepInterval,
		SendTimeout:   cfg.Watcher.SendTimeout,
	}, logger)
	defer w.Close()

	g, err := gateway.New(cfg, gateway.Dependencies{Broker: b, Watcher: w, Secrets: secrets}, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	server := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: g.Routes(),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		w.Start(ctx)
		<-ctx.Done()
		return nil
	})
	eg.Go(func() error {
		logger.ComponentInfo(logging.ComponentGeneral, "Gateway HTTP server starting",
			zap.String("addr", cfg.Gateway.ListenAddr),
			zap.String("broker", cfg.Broker.Backend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.ComponentInfo(logging.ComponentGeneral, "Shutting down gateway HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ComponentError(logging.ComponentGeneral, "HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})
	return eg.Wait()
}
