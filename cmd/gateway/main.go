package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	blockchain "notary/blockchain/client"
	"notary/config"
	core "notary/gateway/service/core"
	grpchandler "notary/gateway/service/grpc"
	httphandler "notary/gateway/service/http"
	"notary/internal/logging"
	"notary/internal/messaging/producer"
	"notary/internal/metrics"
	"notary/internal/network"
	"notary/internal/notary"
	worker "notary/processing"
	"notary/storage/store"
)

// Gateway configuration file path, overridable with NOTARY_GATEWAY_CONFIG
const gatewayConfigPath = "./config/gateway.defaults.yml"

func main() {
	cfgPath := gatewayConfigPath
	if p := os.Getenv("NOTARY_GATEWAY_CONFIG"); p != "" {
		cfgPath = p
	}

	// 1. Load configuration
	cfg, err := config.LoadGatewayConfig(cfgPath)
	if err != nil {
		boot := logging.New("notary-gateway", "info")
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load gateway configuration")
	}
	logger := logging.New("notary-gateway", cfg.Monitoring.LogLevel)
	logger.Info().Msg("starting notary gateway")

	bcCfg, err := config.LoadBlockchainConfig(cfg.BlockchainConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.BlockchainConfigPath).Msg("failed to load blockchain configuration")
	}
	registry, err := network.NewRegistry(bcCfg.Networks)
	if err != nil {
		logger.Fatal().Err(err).Msg("refusing to start with an invalid network registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Status store
	logger.Info().Msg("initializing status store")
	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize status store")
	}
	defer st.Close()

	// 3. Chain clients
	clients := blockchain.NewFactory(registry, bcCfg, logger).NewClients(ctx)
	defer func() {
		for key, c := range clients {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Str("network", string(key)).Msg("failed to close blockchain client")
			}
		}
	}()

	// 4. Messaging
	eventProducer, err := producer.New(cfg.EventProducer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize event producer")
	}
	defer eventProducer.Close()
	events := producer.NewEventBatcher(cfg.EventBatcher, eventProducer, logger)
	defer events.Close()

	requestProducer, err := producer.New(cfg.RequestProducer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize request producer")
	}

	// 5. Metrics
	var collector metrics.Collector = metrics.NewNoopCollector()
	var metricsHandler http.Handler
	if cfg.Monitoring.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewNotaryCollector(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// 6. Orchestrator and service facade
	orch := notary.New(notary.ConfigFrom(bcCfg), registry, st, clients, events, collector, logger)
	svc := core.NewService(orch, requestProducer, core.Options{
		NotarizeWait: cfg.NotarizeWait,
		MaxDocuments: cfg.MaxDocuments,
		AsyncEnabled: cfg.RequestProducer.Enabled(),
	}, logger)
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)

	// An in-memory store is invisible to the engine, so the gateway resumes its own records
	if cfg.Database.IsMemory() {
		poller := worker.NewPoller(config.WorkerConfig{ResumeInterval: "5s", ResumeBatchSize: 100}, orch, logger)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	// 7. [Conditional startup] HTTP server
	var httpServer *http.Server
	if cfg.HttpListenAddr != "" {
		handler := httphandler.NewNotaryHandler(svc, cfg.HttpServer.MaxBodyBytes, logger)
		httpServer = &http.Server{
			Addr: cfg.HttpListenAddr,
			Handler: httphandler.NewRouter(handler, httphandler.RouterOptions{
				HealthPath:  cfg.Monitoring.HealthCheckPath,
				MetricsPath: cfg.Monitoring.MetricsPath,
				Metrics:     metricsHandler,
			}),
			ReadTimeout:    cfg.HttpServer.ReadTimeout,
			WriteTimeout:   cfg.HttpServer.WriteTimeout,
			IdleTimeout:    cfg.HttpServer.IdleTimeout,
			MaxHeaderBytes: cfg.HttpServer.MaxHeaderBytes,
		}
		if cfg.HttpServer.WriteTimeout <= cfg.NotarizeWait {
			logger.Warn().Dur("write_timeout", cfg.HttpServer.WriteTimeout).Dur("notarize_wait", cfg.NotarizeWait).
				Msg("http write_timeout does not exceed notarize_wait; synchronous notarize responses may be cut off")
		}

		g.Go(func() error {
			logger.Info().Str("address", cfg.HttpListenAddr).Msg("HTTP server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			logger.Info().Msg("HTTP server stopped listening")
			return nil
		})
	} else {
		logger.Info().Msg("http_listen_addr not configured, skipping HTTP server startup")
	}

	// 8. [Conditional startup] gRPC server
	var grpcServer *grpc.Server
	if cfg.GrpcListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
		if err != nil {
			logger.Fatal().Err(err).Str("address", cfg.GrpcListenAddr).Msg("unable to listen on gRPC port")
		}
		grpcServer = grpc.NewServer()
		grpchandler.RegisterNotaryServiceServer(grpcServer, grpchandler.NewServer(svc, logger))
		healthServer := health.NewServer()
		healthServer.SetServingStatus(grpchandler.ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, healthServer)

		g.Go(func() error {
			logger.Info().Str("address", cfg.GrpcListenAddr).Msg("gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			logger.Info().Msg("gRPC server stopped listening")
			return nil
		})
	} else {
		logger.Info().Msg("grpc_listen_addr not configured, skipping gRPC server startup")
	}

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal, starting graceful shutdown")
	case <-gctx.Done():
		logger.Error().Msg("a server stopped unexpectedly, shutting down")
	}
	cancel()

	shutdown(logger, httpServer, grpcServer)
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped with error")
	}
	logger.Info().Msg("all servers stopped, gateway shutdown")
}

func shutdown(logger zerolog.Logger, httpServer *http.Server, grpcServer *grpc.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		logger.Info().Msg("shutting down HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	if grpcServer != nil {
		logger.Info().Msg("shutting down gRPC server")
		grpcServer.GracefulStop()
	}
}
