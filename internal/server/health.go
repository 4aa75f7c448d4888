package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"mapfree/internal/events"
)

// HealthService is the gRPC health service name of the pipeline.
const HealthService = "mapfree.pipeline"

// Health reports pipeline health over the standard gRPC health protocol:
// SERVING while idle or running, NOT_SERVING after a failed run.
type Health struct {
	srv *health.Server
	sub *events.Subscription
	bus *events.Bus
	log *slog.Logger
}

// NewHealth tracks run outcomes published on bus.
func NewHealth(bus *events.Bus, log *slog.Logger) *Health {
	if log == nil {
		log = slog.Default()
	}
	h := &Health{srv: health.NewServer(), bus: bus, log: log}
	h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	h.sub = bus.Subscribe(h.observe)
	return h
}

func (h *Health) observe(e events.Event) {
	switch {
	case e.Type == events.TypeRunStarted:
		h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	case e.Type == events.TypeRunFinished && e.Message == "failed":
		h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	case e.Type == events.TypeRunFinished:
		h.srv.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	}
}

// Check returns the current status of the pipeline service.
func (h *Health) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Close stops tracking and marks every service NOT_SERVING.
func (h *Health) Close() {
	h.bus.Unsubscribe(h.sub)
	h.srv.Shutdown()
}

// Serve runs a gRPC server with the health service on addr until ctx is
// done.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (h *Health) ServeListener(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h.srv)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()
	h.log.Info("gRPC health starting", "addr", lis.Addr().String(), "service", HealthService)
	if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
