package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/namsral/flag"
	"golang.org/x/sync/errgroup"

	"github.com/aminovpavel/lorapipe/internal/api"
	"github.com/aminovpavel/lorapipe/internal/app"
	"github.com/aminovpavel/lorapipe/internal/config"
	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/downlink"
	"github.com/aminovpavel/lorapipe/internal/mqtt"
	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/pipeline"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config.yaml or config.toml (defaults to LORAPIPE_CONFIG_FILE, then ./config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lorapipe: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:   cfg.LogLevel,
		JSON:    cfg.LogJSON,
		Service: "lorapipe",
		Version: version,
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	store, err := storage.Open(ctx, app.BuildStoreConfig(cfg),
		storage.WithLogger(logger.With(slog.String("component", "storage"))),
		storage.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage close error", slog.Any("error", err))
		}
	}()

	mqttCfg := app.BuildMQTTConfig(cfg)
	client, err := mqtt.NewClient(mqttCfg,
		mqtt.WithLogger(logger.With(slog.String("component", "mqtt"))),
		mqtt.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("initialise mqtt client: %w", err)
	}

	pipe := pipeline.New(
		client,
		decode.NewUplinkDecoder(app.BuildDecoderConfig(cfg)),
		store,
		pipeline.WithLogger(logger.With(slog.String("component", "pipeline"))),
		pipeline.WithMetrics(metrics),
		pipeline.WithMaxEnvelopeBytes(cfg.MaxEnvelopeBytes),
	)

	publisher := downlink.NewPublisher(client,
		downlink.WithLogger(logger.With(slog.String("component", "downlink"))),
		downlink.WithMetrics(metrics),
	)

	apiServer, err := api.New(ctx, app.BuildAPIConfig(cfg), store, publisher,
		api.WithLogger(logger.With(slog.String("component", "api"))),
		api.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("initialise api server: %w", err)
	}
	defer func() {
		if err := apiServer.Close(); err != nil {
			logger.Error("api close error", slog.Any("error", err))
		}
	}()

	obsServer := observability.NewServer(observability.ServerConfig{
		Address: cfg.ObservabilityAddress,
		Logger:  logger.With(slog.String("component", "observability")),
		Metrics: metrics,
		Probes: []observability.Probe{
			{Name: "store", Check: store.HealthCheck},
			{Name: "mqtt", Check: client.HealthCheck},
			{Name: "pipeline", Check: pipe.HealthCheck},
		},
	})

	if cfg.APIKey == "" {
		logger.Warn("api_key is empty; /api endpoints will answer 500 until it is configured")
	}

	logger.Info("lorapipe starting",
		slog.String("broker", mqttCfg.BrokerURL()),
		slog.String("topic", mqttCfg.SubscriptionTopic()),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.String("api_address", cfg.APIListenAddress),
		slog.String("observability_address", cfg.ObservabilityAddress),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipe.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-pipe.Errors():
				if !ok {
					return nil
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Debug("pipeline error", slog.Any("error", err))
				}
			}
		}
	})
	g.Go(func() error {
		return apiServer.Run(gctx)
	})
	g.Go(func() error {
		return obsServer.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("lorapipe stopped")
	return nil
}
