package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/withObsrvr/telemetry-arrow-ingest/compression"
	"github.com/withObsrvr/telemetry-arrow-ingest/config"
	"github.com/withObsrvr/telemetry-arrow-ingest/ingest"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"github.com/withObsrvr/telemetry-arrow-ingest/memory"
	"github.com/withObsrvr/telemetry-arrow-ingest/metrics"
	"github.com/withObsrvr/telemetry-arrow-ingest/resilience"
	"github.com/withObsrvr/telemetry-arrow-ingest/server"
	"github.com/withObsrvr/telemetry-arrow-ingest/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	logLevel := pflag.String("log-level", "", "log level override (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Service.LogLevel = *logLevel
	}

	logger := logging.NewComponentLoggerWithOptions(cfg.Service.Name, cfg.Service.Version, logging.Options{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
	})

	if err := cfg.Validate(); err != nil {
		logger.Error().
			Err(err).
			Msg("Invalid configuration")
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error().
			Err(err).
			Msg("Service failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.ComponentLogger) error {
	logger.LogStartup(logging.StartupConfig{
		ListenAddress:     cfg.Server.ListenAddress,
		HealthPort:        cfg.Server.HealthPort,
		StorageDriver:     cfg.Storage.Driver,
		Compression:       cfg.Server.Compression,
		DecodeConcurrency: cfg.Session.DecodeConcurrency,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	allocator := memory.NewTrackedAllocator(cfg.Session.MemorySoftLimitBytes, logger.With("subsystem", "arrow_memory"))
	monitorStop := make(chan struct{})
	defer close(monitorStop)
	go allocator.StartMonitoring(time.Minute, monitorStop)

	backend, err := storage.Open(ctx, cfg.Storage, allocator, logger.With("subsystem", "storage"))
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	queue := storage.NewWriteQueue(backend, cfg.Storage.QueueSize, time.Minute, logger.With("subsystem", "write_queue"))
	queue.Start(context.Background())
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().
				Err(err).
				Msg("Failed to close storage")
		}
	}()

	policy := resilience.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.InitialDelay = cfg.Retry.InitialDelay()
	policy.MaxDelay = cfg.Retry.MaxDelay()
	policy.BackoffFactor = cfg.Retry.BackoffFactor
	policy.JitterFactor = cfg.Retry.JitterFactor
	policy.Classifier = ingest.StorageClassifier
	retry := resilience.NewRetryManager(policy, logger.With("subsystem", "retry"))

	breaker := resilience.NewCircuitBreaker("storage", 5, 30*time.Second, ingest.BreakerCounts, logger)

	collector := metrics.NewCollector(logger)
	collector.WatchWriteQueue(queue.Depth, queue.Capacity)
	collector.WatchAllocator(allocator.Allocated)

	compressors, err := compression.Register(cfg.Server.Compression, logger)
	if err != nil {
		return err
	}
	collector.WatchCompressors(compressors)

	events := ingest.MultiEventSink{
		ingest.NewLogEventSink(logger.With("subsystem", "session")),
		collector,
	}
	router := ingest.NewRouter(queue, retry, breaker, events)

	ingestServer := server.NewIngestServer(router, server.Options{
		Session: ingest.SessionConfig{
			InboundQueue:            cfg.Session.InboundQueue,
			OutboundQueue:           cfg.Session.OutboundQueue,
			DecodeConcurrency:       cfg.Session.DecodeConcurrency,
			MaxBufferedBytes:        cfg.Session.MaxBufferedBytes,
			AllowCrossUnitFragments: cfg.Session.AllowCrossUnitFragments,
			Allocator:               allocator,
		},
		Events:   events,
		Received: collector,
		Logger:   logger,
	})

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.MaxRecvMessageMiB << 20),
	)
	ingestServer.Register(grpcServer)
	if cfg.Server.Reflection {
		reflection.Register(grpcServer)
	}

	admin := server.NewAdminServer(server.AdminConfig{
		Ingest:        ingestServer,
		Queue:         queue,
		Breaker:       breaker,
		Allocated:     allocator.Allocated,
		Metrics:       collector.Handler(),
		StorageDriver: cfg.Storage.Driver,
		Logger:        logger,
	})

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddress, err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().
			Str("address", lis.Addr().String()).
			Str("protocol", "otel-arrow").
			Msg("Starting gRPC server")
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if cfg.Server.HealthPort > 0 {
		go func() {
			if err := admin.Serve(fmt.Sprintf(":%d", cfg.Server.HealthPort)); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().
			Str("operation", "shutdown_initiated").
			Msg("Shutting down telemetry ingest service")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	ingestServer.Drain()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info().
			Msg("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn().
			Int64("active_sessions", ingestServer.ActiveSessions()).
			Msg("Shutdown timeout exceeded, closing open streams")
		grpcServer.Stop()
		<-stopped
	}

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().
			Err(err).
			Msg("Health server shutdown")
	}

	logger.Info().
		Str("operation", "shutdown_completed").
		Int64("sessions_served", ingestServer.TotalSessions()).
		Msg("Telemetry ingest service stopped")
	return nil
}
