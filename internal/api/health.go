package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC service name reported alongside the overall
// ("") status.
const HealthService = "tablepick.Orchestrator"

// HealthChecker reports whether the engine is processing frames.
type HealthChecker interface {
	Healthy(maxAge time.Duration) bool
}

// HealthServer exposes the standard grpc.health.v1 service and keeps it in
// step with the tracking loop.
type HealthServer struct {
	checker  HealthChecker
	maxAge   time.Duration
	interval time.Duration
	health   *health.Server
	serving  bool
}

// NewHealthServer returns a HealthServer polling checker every interval.
func NewHealthServer(checker HealthChecker, maxAge, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = time.Second
	}
	hs := &HealthServer{checker: checker, maxAge: maxAge, interval: interval, health: health.NewServer()}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Server returns the underlying health server, for registering on an
// existing grpc.Server.
func (hs *HealthServer) Server() *health.Server { return hs.health }

func (hs *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(HealthService, status)
}

// Refresh samples the checker once and updates the served status.
func (hs *HealthServer) Refresh() bool {
	ok := hs.checker.Healthy(hs.maxAge)
	if ok == hs.serving {
		return ok
	}
	hs.serving = ok
	if ok {
		diagf("health: serving")
		hs.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		opsf("health: not serving, no tracking frames within %v", hs.maxAge)
		hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Serve listens on addr and serves the health service until ctx is done.
func (hs *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return hs.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener until ctx is done.
func (hs *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs.health)

	errc := make(chan error, 1)
	go func() {
		diagf("gRPC health listening on %s", lis.Addr())
		errc <- srv.Serve(lis)
	}()

	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()
	hs.Refresh()
	for {
		select {
		case <-ctx.Done():
			hs.health.Shutdown()
			srv.GracefulStop()
			<-errc
			return nil
		case err := <-errc:
			return fmt.Errorf("gRPC health server: %w", err)
		case <-ticker.C:
			hs.Refresh()
		}
	}
}
