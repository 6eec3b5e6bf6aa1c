package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/namsral/flag"

	"github.com/aminovpavel/lorapipe/internal/app"
	"github.com/aminovpavel/lorapipe/internal/config"
	"github.com/aminovpavel/lorapipe/internal/decode"
	"github.com/aminovpavel/lorapipe/internal/observability"
	"github.com/aminovpavel/lorapipe/internal/replay"
	"github.com/aminovpavel/lorapipe/internal/storage"
)

func main() {
	var (
		source     = flag.String("source", "", "Path to a SQLite lorapipe database whose uplinks.raw is replayed")
		output     = flag.String("output", "", "Write into this SQLite file instead of the configured database")
		configPath = flag.String("config", "", "Path to config.yaml (defaults to config.yaml in cwd)")
		force      = flag.Bool("force", false, "Overwrite the output SQLite file if it exists")
		startID    = flag.Int64("start-id", 0, "Replay starting from uplinks.uplink_id (inclusive)")
		endID      = flag.Int64("end-id", 0, "Replay up to uplinks.uplink_id (inclusive)")
		limit      = flag.Int("limit", 0, "Limit the number of rows to replay (0 = all)")
	)
	flag.Parse()

	if *source == "" {
		log.Fatal("lorapipe-replay: --source is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(*configPath)
	if err != nil {
		log.Fatalf("lorapipe-replay: load config: %v", err)
	}

	storeCfg := app.BuildStoreConfig(cfg)
	if *output != "" {
		if err := ensureOutput(*output, *force); err != nil {
			log.Fatalf("lorapipe-replay: %v", err)
		}
		storeCfg = storage.Config{Driver: "sqlite", Path: *output}
	}
	storeCfg.MaintenanceInterval = 0

	logger := observability.NewLogger(observability.LogConfig{
		Level:   cfg.LogLevel,
		JSON:    cfg.LogJSON,
		Service: "lorapipe-replay",
	})
	metrics := observability.NewMetrics(observability.WithNamespace("lorapipe_replay"))

	store, err := storage.Open(ctx, storeCfg,
		storage.WithLogger(logger.With(slog.String("component", "storage"))),
		storage.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf("lorapipe-replay: open target store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("lorapipe-replay: warning: close store: %v", err)
		}
	}()

	stats, err := replay.ReplaySQLite(ctx, *source, decode.NewUplinkDecoder(app.BuildDecoderConfig(cfg)), store, replay.Options{
		StartID:          *startID,
		EndID:            *endID,
		Limit:            *limit,
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
		Logger:           logger.With(slog.String("component", "replay")),
	})
	if err != nil {
		log.Fatalf("lorapipe-replay: %v", err)
	}

	logger.Info("replay completed",
		slog.String("source", *source),
		slog.String("target_driver", storage.NormalizeDriver(storeCfg.Driver)),
		slog.Int("read", stats.Read),
		slog.Int("inserted", stats.Inserted),
		slog.Int("deduplicated", stats.Deduplicated),
		slog.Int("skipped", stats.Skipped),
	)
}

func ensureOutput(path string, force bool) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("output path cannot be empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	if _, err := os.Stat(abs); err == nil {
		if !force {
			return fmt.Errorf("output file %s already exists (use --force to overwrite)", abs)
		}
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("remove existing output %s: %w", abs, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("ensure output directory: %w", err)
	}
	return nil
}
