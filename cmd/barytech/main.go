// Command barytech runs the telemetry bridge: MQTT ingest, per-device
// broadcast and persistence pipelines, and the WebSocket fan-out server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/CellMechLab/barytech/internal/config"
	"github.com/CellMechLab/barytech/internal/ingest"
	"github.com/CellMechLab/barytech/internal/monitoring"
	"github.com/CellMechLab/barytech/internal/mqttadapter"
	"github.com/CellMechLab/barytech/internal/pipeline"
	"github.com/CellMechLab/barytech/internal/registry"
	"github.com/CellMechLab/barytech/internal/routing"
	"github.com/CellMechLab/barytech/internal/store"
	"github.com/CellMechLab/barytech/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := monitoring.NewStats()
	reg := registry.New()
	routes := routing.ParseTable(cfg.DeviceRoutes)
	if routes.Len() > 0 {
		logger.Info().Int("routes", routes.Len()).Msg("Device routes configured")
	}

	// Store is optional; without it the bridge is broadcast-only.
	var (
		pg       *store.Postgres
		dataStor pipeline.DataStore
		sessions transport.SessionStore
	)
	if cfg.DatabaseURL != "" {
		pg, err = store.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Database connection failed")
		}
		defer pg.Close()

		if err := pg.InitSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Schema init failed")
		}
		dataStor = pg
		sessions = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set, persistence disabled")
	}

	queue := ingest.NewQueue(cfg.IngressQueueSize, stats, logger)

	dispatcher := ingest.New(ctx, queue,
		ingest.Config{
			MaxBatch:     cfg.DispatchMaxBatch,
			BatchTimeout: cfg.DispatchBatchTimeout,
			SaveDefault:  cfg.SaveDefault,
		},
		pipeline.Config{
			EgressBatch:          cfg.EgressBatch,
			EgressTimeout:        cfg.EgressTimeout,
			RecordWait:           cfg.RecordWait,
			CompressionThreshold: cfg.CompressionThreshold,
			BroadcastQueueSize:   cfg.BroadcastQueueSize,
			DBBatch:              cfg.DBBatch,
			DBInterval:           cfg.DBInterval,
			SaveQueueSize:        cfg.SaveQueueSize,
		},
		pipeline.Deps{
			Logger:   logger,
			Stats:    stats,
			Registry: reg,
			Routes:   routes,
			Store:    dataStor,
		},
	)
	go dispatcher.Run()

	sampler := monitoring.NewSystemSampler(logger, 15*time.Second)
	go sampler.Run(ctx)

	mq := mqttadapter.New(mqttadapter.Config{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, queue, stats, logger)
	if err := mq.Start(); err != nil {
		logger.Fatal().Err(err).Msg("MQTT connection failed")
	}

	server := transport.NewServer(transport.Options{
		Addr:         cfg.WSAddr,
		Logger:       logger,
		Stats:        stats,
		Registry:     reg,
		Sessions:     sessions,
		Publisher:    mq,
		Saver:        dispatcher,
		ControlTopic: mqttadapter.ControlTopic,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	// Stop intake first so the pipelines can drain, then close the rest.
	mq.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	// Cancelling the process context stops the dispatcher and the device
	// workers; Wait returns once every final flush has completed.
	cancel()
	dispatcher.Wait()

	logger.Info().Msg("Bridge stopped")
}
