package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cjihrig/pgee/pkg/bridge"
	"github.com/cjihrig/pgee/pkg/metrics"
	"github.com/cjihrig/pgee/pkg/pgee"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Forward notification channels to NATS or MQTT",
	Long:  `Subscribe to the configured channels and forward every inbound notification to the enabled sinks. With republish enabled, inbound broker messages become pg_notify calls.`,
	RunE:  runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr})
	}

	conn, err := connString()
	if err != nil {
		return err
	}
	if len(cfg.Bridge.Channels) == 0 {
		return fmt.Errorf("no bridge channels configured")
	}

	var sinks []bridge.Sink
	var republishers []func(context.Context, *pgee.Emitter) error

	if cfg.Bridge.NATS.Enabled {
		s, err := bridge.NewNATSSink(cfg.Bridge.NATS, logger)
		if err != nil {
			return fmt.Errorf("nats sink: %w", err)
		}
		sinks = append(sinks, s)
		if cfg.Bridge.NATS.Republish {
			republishers = append(republishers, func(ctx context.Context, e *pgee.Emitter) error {
				_, err := s.Republish(ctx, e)
				return err
			})
		}
	}
	if cfg.Bridge.MQTT.Enabled {
		s, err := bridge.NewMQTTSink(cfg.Bridge.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt sink: %w", err)
		}
		sinks = append(sinks, s)
		if cfg.Bridge.MQTT.Republish {
			republishers = append(republishers, s.Republish)
		}
	}
	if len(sinks) == 0 {
		return fmt.Errorf("no bridge sinks enabled")
	}

	e := pgee.New(
		pgee.WithProvider(pgee.ConnectProvider(conn)),
		pgee.WithLogger(logger),
	)
	e.On(pgee.EventError, func(payload any) {
		logger.Error("emitter error", zap.Any("error", payload))
	})

	if err := connectWithRetry(ctx, e); err != nil {
		return err
	}

	b := bridge.New(e, logger, sinks...)
	if err := b.Attach(ctx, cfg.Bridge.Channels); err != nil {
		e.Close()
		b.Close()
		return fmt.Errorf("attach bridge: %w", err)
	}
	for _, r := range republishers {
		if err := r(ctx, e); err != nil {
			e.Close()
			b.Close()
			return err
		}
	}

	logger.Info("bridge running", zap.Strings("channels", cfg.Bridge.Channels))
	<-sigChan
	logger.Info("shutting down")
	cancel()
	e.Close()
	if err := b.Close(); err != nil {
		logger.Warn("sink close", zap.Error(err))
	}
	wg.Wait()
	return nil
}
