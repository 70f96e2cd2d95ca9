package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/Oafish1/cellTRIP/internal/health"
	httpServer "github.com/Oafish1/cellTRIP/internal/http"
)

const trainerServiceName = "celltrip.Trainer"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the replay buffer over HTTP with gRPC health checks",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	h := httpServer.NewServer(a.trainer, a.collector, httpServer.RateLimit{
		RequestsPerSecond: cfg.Server.RateLimit,
		Burst:             cfg.Server.RateBurst,
	}, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(trainerServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(a.trainer, a.collector, health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		MaxRecords:    cfg.Health.MaxRecords,
		MaxHeapBytes:  cfg.Health.MaxHeapBytes,
	}, logger)
	monitor.OnStatus(func(s health.Status) {
		status := healthpb.HealthCheckResponse_SERVING
		if !s.Healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus(trainerServiceName, status)
	})
	go monitor.Start(ctx)

	errs := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("celltrip HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("celltrip gRPC health server starting")
		if err := grpcServer.Serve(lis); err != nil {
			errs <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-errs:
		logger.Error().Err(serveErr).Msg("server failed")
		stop()
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown timeout exceeded, forcing gRPC stop")
		grpcServer.Stop()
	case <-stopped:
	}

	logger.Info().Msg("celltrip stopped")
	return serveErr
}

// loggingInterceptor logs gRPC requests
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("gRPC request")
		return resp, err
	}
}
