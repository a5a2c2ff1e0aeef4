package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/bridge"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// bridgeService is the health service name reported for the DMA bridge.
const bridgeService = "dmastream.Bridge"

// healthServer serves grpc.health.v1 and tracks bridge health from finished
// connections. A DMA timeout marks the bridge NOT_SERVING until a later
// connection completes without one.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

var _ bridge.Observer = (*healthServer)(nil)

func newHealthServer(logger *slog.Logger) *healthServer {
	hs := &healthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger,
	}
	grpc_health_v1.RegisterHealthServer(hs.grpc, hs.health)
	hs.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.health.SetServingStatus(bridgeService, grpc_health_v1.HealthCheckResponse_SERVING)

	// Enable reflection for grpcurl
	reflection.Register(hs.grpc)
	return hs
}

func startHealthServer(addr string, logger *slog.Logger) (*healthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	hs := newHealthServer(logger)
	go hs.serve(lis)
	logger.Info("health service listening", "addr", lis.Addr().String())
	return hs, nil
}

func (hs *healthServer) serve(lis net.Listener) {
	if err := hs.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		hs.logger.Error("health server stopped", "error", err)
	}
}

// ConnectionClosed implements bridge.Observer.
func (hs *healthServer) ConnectionClosed(id string, _ bridge.Counters, err error) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if errors.Is(err, axidma.ErrTimeout) {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		hs.logger.Warn("bridge unhealthy after DMA timeout", "conn_id", id)
	}
	hs.health.SetServingStatus(bridgeService, status)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (hs *healthServer) Stop() {
	hs.health.Shutdown()
	hs.grpc.GracefulStop()
}
