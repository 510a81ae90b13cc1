package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/library-sync/internal/api"
	"github.com/example/library-sync/internal/codec"
	"github.com/example/library-sync/internal/config"
	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/observability"
	"github.com/example/library-sync/internal/snapshot"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/transport"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("library", cfg.LibraryID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wire, err := codec.ByName(cfg.WireCodec)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid wire codec")
	}

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	db, err := resources.OpenStore(ctx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open library database")
	}
	defer db.Close()

	node, err := db.LocalNode(ctx, cfg.NodeName)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read node identity")
	}
	logger = logger.With().Str("node", node.String()).Logger()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		LibraryID:    cfg.LibraryID,
		NodeID:       node.String(),
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	if err := observability.RegisterReplicaInfo(prometheus.DefaultRegisterer, cfg.LibraryID, node.String(), wire.Name()); err != nil {
		logger.Warn().Err(err).Msg("failed to register replica info")
	}

	reg, err := library.NewRegistry()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build model registry")
	}

	manager, err := syncstate.New(ctx, db, reg, node, logger,
		syncstate.WithOutboundBuffer(cfg.OutboundBuffer),
		syncstate.WithPendingLimit(cfg.PendingLimit),
		syncstate.WithMaxDrift(cfg.ClockMaxDrift),
		syncstate.WithNodeName(cfg.NodeName),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start sync manager")
	}
	defer manager.Close()

	trOpts := []transport.Option{transport.WithMaxRetries(cfg.IngestMaxRetries)}
	if resources.Object != nil {
		objects := snapshot.NewMinioStore(resources.Object, cfg.ObjectBucket)
		if err := objects.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
		}
		catchUp := func(ctx context.Context) error {
			_, err := snapshot.Restore(ctx, manager, objects, cfg.LibraryID, logger)
			return err
		}
		if err := catchUp(ctx); err != nil {
			logger.Error().Err(err).Msg("snapshot catch-up failed; continuing with local log")
		}
		snapshot.NewWorker(manager, objects, cfg.LibraryID, cfg.SnapshotInterval, logger).Start(ctx)
		trOpts = append(trOpts, transport.WithCatchUp(catchUp, cfg.SnapshotInterval))
	}

	if resources.Redis != nil {
		tr := transport.New(transport.NewRedisBus(resources.Redis), manager, wire, cfg.LibraryID, logger, trOpts...)
		go tr.Run(ctx)
		logger.Info().Str("channel", tr.Channel()).Str("codec", wire.Name()).Msg("replication transport started")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set; local operations will not be replicated")
		go discard(ctx, manager)
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPListenAddr,
		Handler: api.NewServer(manager, logger, api.Config{
			Health: resources.HealthCheck,
		}),
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Int("pending", manager.PendingLen()).Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// discard drains the outbound channel when no transport is configured so
// writers never block on it.
func discard(ctx context.Context, m *syncstate.Manager) {
	for {
		select {
		case _, ok := <-m.Outbound():
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
