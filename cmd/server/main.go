// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package main is the entry point for the Tidewatch server.
//
// Tidewatch ingests high-volume application events, folds them into
// windowed aggregates under per-rule grouping, evaluates alert rules with
// hysteresis over the finalized windows, and serves merged historical plus
// live range queries.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered load (defaults, config.yaml, env)
//  2. Rule registry: optionally seeded from a JSON rule file
//  3. DuckDB store, with a BadgerDB parking queue for writes that fail
//  4. Watermill bus wiring finalized aggregates to their consumers
//  5. Sharded stream processor
//  6. Alert engine and notifiers
//  7. Subscriber hub and optional NATS JetStream event mirror
//  8. HTTP API
//  9. Supervisor tree (suture) over all long-running services
//
// # Signal handling
//
// SIGINT and SIGTERM cancel the root context; the supervisor tree then
// shuts services down with a bounded per-service timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/tidewatch/tidewatch/internal/alerting"
	"github.com/tidewatch/tidewatch/internal/api"
	"github.com/tidewatch/tidewatch/internal/bus"
	"github.com/tidewatch/tidewatch/internal/config"
	"github.com/tidewatch/tidewatch/internal/ingest"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/natsbridge"
	"github.com/tidewatch/tidewatch/internal/processor"
	"github.com/tidewatch/tidewatch/internal/publish"
	"github.com/tidewatch/tidewatch/internal/query"
	"github.com/tidewatch/tidewatch/internal/rules"
	"github.com/tidewatch/tidewatch/internal/store"
	"github.com/tidewatch/tidewatch/internal/supervisor"
	"github.com/tidewatch/tidewatch/internal/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Int("shards", cfg.Processor.Shards).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting Tidewatch")

	// Rule registry, optionally seeded from disk.
	registry := rules.NewRegistry()
	if cfg.Rules.Path != "" {
		aggs, alerts, err := rules.SeedFromFile(registry, cfg.Rules.Path)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Rules.Path).Msg("Failed to seed rules")
		}
		logging.Info().Int("aggregations", aggs).Int("alerts", alerts).Msg("Rule registry seeded")
	}

	// Time-series store.
	st, err := store.Open(store.Config{
		Path:            cfg.Store.Path,
		Retention:       cfg.Store.Retention,
		SweepInterval:   cfg.Store.SweepInterval,
		MaxRetries:      cfg.Store.MaxRetries,
		RetryBackoff:    cfg.Store.RetryBackoff,
		RetryBackoffMax: cfg.Store.RetryBackoffMax,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	// Parking queue for aggregates the store could not take.
	walQueue, err := wal.Open(wal.Config{
		Path:       cfg.WAL.Path,
		SyncWrites: cfg.WAL.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open WAL queue")
	}
	defer func() {
		if err := walQueue.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing WAL queue")
		}
	}()
	st.SetParker(walQueue)
	retryLoop := wal.NewRetryLoop(walQueue, st, wal.RetryConfig{
		Interval:   cfg.WAL.Interval,
		Backoff:    cfg.WAL.Backoff,
		BackoffMax: cfg.WAL.BackoffMax,
		MaxAge:     cfg.WAL.MaxAge,
	})

	// Bus carrying finalized aggregates and alert transitions.
	b, err := bus.New(bus.Config{
		BufferSize:           int64(cfg.Bus.BufferSize),
		CloseTimeout:         cfg.Bus.CloseTimeout,
		RetryMaxRetries:      cfg.Bus.RetryMaxRetries,
		RetryInitialInterval: cfg.Bus.RetryInitialInterval,
		RetryMaxInterval:     cfg.Bus.RetryMaxInterval,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus")
	}

	// Stream processor.
	proc := processor.New(processor.Config{
		Shards:        cfg.Processor.Shards,
		InputQueueLen: cfg.Processor.InputQueueLen,
		ShardQueueLen: cfg.Processor.ShardQueueLen,
		Grace:         cfg.Processor.Grace,
		FlushInterval: cfg.Processor.FlushInterval,
		WatermarkTick: cfg.Processor.WatermarkTick,
	}, registry, b)

	// Alert engine.
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.Webhook.Enabled {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(alerting.WebhookConfig{
			URL:     cfg.Alerting.Webhook.URL,
			Headers: cfg.Alerting.Webhook.Headers,
			Enabled: true,
			Timeout: cfg.Alerting.Webhook.Timeout,
		}))
		logging.Info().Str("url", cfg.Alerting.Webhook.URL).Msg("Webhook notifier registered")
	}
	alertEngine := alerting.NewEngine(alerting.Config{
		NotifyRetries:    cfg.Alerting.NotifyRetries,
		NotifyBackoff:    cfg.Alerting.NotifyBackoff,
		NotifyBackoffMax: cfg.Alerting.NotifyBackoffMax,
	}, registry, b, notifiers...)

	// Subscriber hub.
	overflow := publish.DropOldest
	if cfg.Publish.Overflow == "disconnect" {
		overflow = publish.Disconnect
	}
	hub := publish.NewHub(publish.Config{
		QueueSize: cfg.Publish.QueueSize,
		Overflow:  overflow,
	})

	// Consumers of finalized aggregates. The store handler has its own
	// durable retry path via the WAL queue, so bus-level retries exhaust
	// fast and the handler never wedges the router.
	b.OnAggregate("store_appender", st.AppendAggregate)
	b.OnAggregate("alert_engine", alertEngine.HandleAggregate)
	b.OnAggregate("publisher", hub.HandleAggregate)
	b.OnTransition("publisher_transitions", hub.HandleTransition)

	// Optional NATS JetStream mirror of accepted raw events.
	var rawLog ingest.RawAppender = st
	natsCleanup, tee, err := initNATS(cfg, st)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize NATS")
	}
	if natsCleanup != nil {
		defer natsCleanup()
	}
	if tee != nil {
		rawLog = tee
	}

	// Ingestion gateway and query engine.
	gateway := ingest.NewGateway(ingest.Config{
		DedupeCapacity: cfg.Ingest.DedupeCapacity,
		DedupeWindow:   cfg.Ingest.DedupeWindow,
		RateLimit:      cfg.Ingest.RateLimit,
		RateBurst:      cfg.Ingest.RateBurst,
	}, rawLog, proc)
	engine := query.New(st, proc, cfg.Query.DefaultDeadline)

	// HTTP API.
	handlers := api.NewHandlers(gateway, engine, registry, hub, func() map[string]any {
		return map[string]any{
			"ingest":    gateway.DedupeStats(),
			"processor": proc.Stats(),
			"wal":       walQueue.Stats(),
			"publisher": hub.Stats(),
		}
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(api.DefaultRouterConfig(), handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervision tree.
	tree := supervisor.New(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStorageService(supervisor.Func{Name: "store-retention", Run: st.Serve})
	tree.AddStorageService(supervisor.Func{Name: "wal-retry", Run: retryLoop.Serve})
	tree.AddProcessingService(supervisor.Func{Name: "processor", Run: proc.Serve})
	tree.AddProcessingService(supervisor.Func{Name: "bus", Run: b.Serve})
	tree.AddDeliveryService(&supervisor.HTTPService{
		Name:            "http-api",
		Server:          httpServer,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", httpServer.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	logging.Info().Msg("Tidewatch stopped")
}

// initNATS stands up the optional JetStream mirror: an embedded server if
// configured, the TIDEWATCH_EVENTS stream, and a circuit-breaker-protected
// publisher teed behind the store's raw log. Returns nils when NATS is
// disabled.
func initNATS(cfg *config.Config, primary natsbridge.RawAppender) (cleanup func(), tee *natsbridge.TeeAppender, err error) {
	if !cfg.NATS.Enabled {
		return nil, nil, nil
	}

	url := cfg.NATS.URL
	var embedded *natsbridge.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		embedded, err = natsbridge.NewEmbeddedServer(natsbridge.ServerConfig{
			Host:              cfg.NATS.Host,
			Port:              cfg.NATS.Port,
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("embedded NATS server: %w", err)
		}
		url = embedded.ClientURL()
	}

	// Provision the stream over a short-lived connection; the publisher
	// maintains its own.
	nc, err := natsgo.Connect(url)
	if err != nil {
		shutdownEmbedded(embedded)
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	streamErr := natsbridge.EnsureStream(context.Background(), nc, natsbridge.StreamConfig{
		Name:      cfg.NATS.StreamName,
		Subjects:  []string{"events.>"},
		MaxAge:    cfg.NATS.StreamMaxAge,
		MaxBytes:  cfg.NATS.StreamMaxBytes,
		Replicas:  1,
		DedupeWin: cfg.NATS.DedupeWindow,
	})
	nc.Close()
	if streamErr != nil {
		shutdownEmbedded(embedded)
		return nil, nil, fmt.Errorf("ensure stream: %w", streamErr)
	}

	pub, err := natsbridge.NewPublisher(natsbridge.PublisherConfig{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   natsbridge.DefaultPublisherConfig().ReconnectWait,
		BreakerFailures: cfg.NATS.BreakerTrips,
		BreakerTimeout:  cfg.NATS.BreakerTimeout,
	}, bus.NewLoggerAdapter())
	if err != nil {
		shutdownEmbedded(embedded)
		return nil, nil, fmt.Errorf("NATS publisher: %w", err)
	}

	cleanup = func() {
		if err := pub.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing NATS publisher")
		}
		shutdownEmbedded(embedded)
	}
	logging.Info().Str("url", url).Str("stream", cfg.NATS.StreamName).Msg("NATS event mirror enabled")
	return cleanup, natsbridge.NewTeeAppender(primary, pub), nil
}

func shutdownEmbedded(es *natsbridge.EmbeddedServer) {
	if es == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := es.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
	}
}
