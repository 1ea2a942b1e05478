package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	blockchain "notary/blockchain/client"
	"notary/config"
	"notary/internal/logging"
	"notary/internal/messaging/consumer"
	"notary/internal/messaging/producer"
	"notary/internal/metrics"
	"notary/internal/network"
	"notary/internal/notary"
	worker "notary/processing"
	"notary/storage/store"
)

// Engine configuration file path, overridable with NOTARY_ENGINE_CONFIG
const engineConfigPath = "./config/engine.defaults.yml"

func main() {
	cfgPath := engineConfigPath
	if p := os.Getenv("NOTARY_ENGINE_CONFIG"); p != "" {
		cfgPath = p
	}

	// 1. Load configuration
	engineCfg, err := config.LoadEngineConfig(cfgPath)
	if err != nil {
		boot := logging.New("notary-engine", "info")
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load engine configuration")
	}
	logger := logging.New("notary-engine", engineCfg.Monitoring.LogLevel)
	logger.Info().Msg("starting notarization engine")

	bcCfg, err := config.LoadBlockchainConfig(engineCfg.BlockchainConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", engineCfg.BlockchainConfigPath).Msg("failed to load blockchain configuration")
	}
	registry, err := network.NewRegistry(bcCfg.Networks)
	if err != nil {
		logger.Fatal().Err(err).Msg("refusing to start with an invalid network registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Initialize dependencies
	logger.Info().Msg("initializing status store")
	st, err := store.Open(ctx, engineCfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize status store")
	}
	defer st.Close()

	clients := blockchain.NewFactory(registry, bcCfg, logger).NewClients(ctx)
	defer func() {
		for key, c := range clients {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Str("network", string(key)).Msg("failed to close blockchain client")
			}
		}
	}()

	eventProducer, err := producer.New(engineCfg.EventProducer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize event producer")
	}
	defer eventProducer.Close()
	events := producer.NewEventBatcher(engineCfg.EventBatcher, eventProducer, logger)
	defer events.Close()

	var collector metrics.Collector = metrics.NewNoopCollector()
	var metricsServer *metrics.Server
	if engineCfg.Monitoring.EnableMetrics && engineCfg.MetricsListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewNotaryCollector(reg)
		metricsServer = metrics.NewServer(logger, engineCfg.MetricsListenAddr, engineCfg.Monitoring.MetricsPath, reg)
		metricsServer.Start()
	}

	orch := notary.New(notary.ConfigFrom(bcCfg), registry, st, clients, events, collector, logger)

	// 3. Initialize consumers
	var mqConsumers []consumer.Consumer
	if !engineCfg.KafkaConsumer.IsMock() {
		logger.Info().Int("count", engineCfg.KafkaConsumer.Count).Msg("initializing Kafka request consumers")
		for i := 0; i < engineCfg.KafkaConsumer.Count; i++ {
			kafkaConsumer, err := consumer.NewKafkaConsumer(engineCfg.KafkaConsumer, logger)
			if err != nil {
				logger.Fatal().Err(err).Int("consumer", i).Msg("failed to initialize Kafka consumer")
			}
			mqConsumers = append(mqConsumers, kafkaConsumer)
		}
	} else {
		logger.Info().Msg("initializing mock request consumer")
		mqConsumers = append(mqConsumers, consumer.NewMockConsumer(logger))
	}
	defer func() {
		for _, c := range mqConsumers {
			_ = c.Close()
		}
	}()

	// 4. Start workers and the resume poller
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range mqConsumers {
		w := worker.New(engineCfg.Worker, logger.With().Int("consumer", i+1).Logger(), orch, c)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	poller := worker.NewPoller(engineCfg.Worker, orch, logger)
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	logger.Info().Int("consumers", len(mqConsumers)).Msg("engine started, press Ctrl+C to stop")

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal, initiating graceful shutdown")
	cancel()

	logger.Info().Msg("waiting for workers to finish")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("engine stopped with error")
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown failed")
		}
		shutdownCancel()
	}
	logger.Info().Msg("notarization engine shut down gracefully")
}
