package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/example/batching-service/internal/batch"
	"github.com/example/batching-service/internal/common"
	"github.com/example/batching-service/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("batcher")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	st, err := store.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer st.Close()

	dispatcher := &batch.Dispatcher{
		Store:           st,
		ResolverURL:     cfg.ResolverURL,
		Client:          &http.Client{Timeout: cfg.DispatchTimeout},
		Logger:          logger,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoffBase,
		DispatchTimeout: cfg.DispatchTimeout,
	}

	scheduler := &batch.Scheduler{
		Store: st,
		Distributor: &batch.Distributor{
			Store:  st,
			Cfg:    cfg,
			Logger: logger,
		},
		Aggregator: &batch.Aggregator{
			Store:      st,
			Dispatcher: dispatcher,
			Logger:     logger,
		},
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		Concurrency:  cfg.DispatchConcurrency,
	}

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("batch worker stopped")
	}
}
