package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/02loveslollipop/campus-tracker/services/tracker/config"
	"github.com/02loveslollipop/campus-tracker/services/tracker/db"
	httpserver "github.com/02loveslollipop/campus-tracker/services/tracker/http"
	"github.com/02loveslollipop/campus-tracker/services/tracker/ingest"
	"github.com/02loveslollipop/campus-tracker/services/tracker/query"
	"github.com/02loveslollipop/campus-tracker/services/tracker/registry"
)

func main() {
	var (
		envFile  = pflag.String("env-file", ".env", "optional dotenv file to load before reading the environment")
		reset    = pflag.Bool("reset", false, "destroy all stored telemetry and exit")
		noIngest = pflag.Bool("no-ingest", false, "serve queries without subscribing to the broker")
	)
	pflag.Parse()

	if err := run(*envFile, *reset, *noIngest); err != nil {
		fmt.Fprintf(os.Stderr, "tracker failed: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(envFile string, reset, noIngest bool) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open telemetry store: %w", err)
	}
	defer store.Close()

	if reset {
		if err := store.Reset(ctx); err != nil {
			return err
		}
		logger.Warn("telemetry store reset", "postgres", cfg.UsePostgres())
		return nil
	}

	reg, err := registry.Load(ctx, store, registry.DefaultPalette)
	if err != nil {
		return fmt.Errorf("load known students: %w", err)
	}
	logger.Info("loaded known students", "count", reg.Len())

	svc := query.New(store, reg, query.WithLocation(cfg.Location()), query.WithLogger(logger))
	dispatcher := ingest.NewDispatcher(cfg.EventQueueSize, logger)
	hub := httpserver.NewHub()
	dispatcher.Subscribe(hub.Broadcast)

	var coordinator *ingest.Coordinator
	var status httpserver.IngestionStatus
	if !noIngest {
		ingest.RoutePahoLogs(logger)
		sub := ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			QoS:            byte(cfg.MQTTQoS),
			ConnectTimeout: cfg.MQTTConnectTimeout,
		}, logger)
		coordinator = ingest.NewCoordinator(sub, cfg.MQTTTopic, store, reg, dispatcher, logger)
		status = coordinator
	}

	srv := httpserver.New(cfg, svc, status, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		logger.Info("REST API listening", "addr", cfg.ListenAddr())
		return srv.Run(gctx)
	})
	if coordinator != nil {
		g.Go(func() error {
			// Ingestion failures leave the API serving stored data.
			if err := coordinator.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("ingestion stopped; no reconnect will be attempted",
					"error", err, "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
			}
			return nil
		})
	}

	return g.Wait()
}
