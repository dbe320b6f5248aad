package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// streamService is the health service name that tracks the detector.
const streamService = "livecam.Stream"

const probeInterval = 10 * time.Second

// handleGRPCServer serves the standard gRPC health service on port until ctx
// is done. The overall status is SERVING while the process runs;
// streamService follows the detector probe.
func handleGRPCServer(ctx context.Context, port int, probe func(context.Context) error, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go watchDetector(ctx, hs, probe, logger)
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gRPC server")
		hs.Shutdown()
		srv.GracefulStop()
	}()

	logger.Info("gRPC health server listening", zap.Int("port", port))
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return ctx.Err()
}

func watchDetector(ctx context.Context, hs *health.Server, probe func(context.Context) error, logger *zap.Logger) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := probe(pctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			logger.Info("detector health changed", zap.String("status", status.String()), zap.Error(err))
			last = status
		}
		hs.SetServingStatus(streamService, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
