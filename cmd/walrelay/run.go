package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/walrelay/walrelay/pkg/config"
	"github.com/walrelay/walrelay/pkg/metrics"
	"github.com/walrelay/walrelay/pkg/pgrepl"
	"github.com/walrelay/walrelay/pkg/relay"
	"github.com/walrelay/walrelay/pkg/sink/kafka"
	"github.com/walrelay/walrelay/pkg/sink/mqtt"
	"github.com/walrelay/walrelay/pkg/sink/nats"
)

func runRelay(_ *cobra.Command, _ []string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartServer(ctx, &wg, &metrics.ServerOpts{Addr: cfg.Metrics.Addr}, logger)
	}

	pub, err := buildPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect sink: %w", err)
	}
	defer closeQuietly(pub, logger)

	session, err := pgrepl.Open(ctx, &cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("open replication session: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Error("closing replication session", zap.Error(err))
		}
	}()

	r := relay.New(session, pub, &cfg.Relay, logger)

	errChan := make(chan error, 1)
	go func() { errChan <- r.Run(ctx) }()

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		select {
		case <-errChan:
		case <-time.After(shutdownGrace):
			logger.Warn("shutdown grace period elapsed with batch still in flight")
		}
		wg.Wait()
		return nil

	case err := <-errChan:
		cancel()
		wg.Wait()
		// A nil error means the stream closed cleanly; anything else is
		// a fatal session error already logged with its remediation.
		return err
	}
}

// buildPublisher wires the configured streaming transport.
func buildPublisher(cfg *config.Config, logger *zap.Logger) (relay.Publisher, error) {
	switch cfg.Sink.Kind {
	case config.SinkKafka:
		return kafka.New(&cfg.Sink.Kafka, logger)
	case config.SinkNATS:
		return nats.New(&cfg.Sink.NATS, logger)
	case config.SinkMQTT:
		return mqtt.New(&cfg.Sink.MQTT, logger)
	default:
		return nil, fmt.Errorf("unknown sink kind: %q", cfg.Sink.Kind)
	}
}

func closeQuietly(pub relay.Publisher, logger *zap.Logger) {
	if c, ok := pub.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.Error("closing publisher", zap.Error(err))
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
