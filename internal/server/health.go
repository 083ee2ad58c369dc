// Package server exposes a node's readiness over the standard gRPC health
// protocol, so orchestrators can probe it with grpc_health_probe.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "falcon.Node"

// Health serves grpc.health.v1.Health. It starts NOT_SERVING.
type Health struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu      sync.Mutex
	serving bool
	stopped bool
}

func NewHealth(logger *slog.Logger, opts ...grpc.ServerOption) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    logger.With("component", "health"),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// SetServing flips both the overall and the node status.
func (h *Health) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.serving == serving {
		return
	}
	h.serving = serving
	if serving {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	h.log.Info("health status changed", "serving", serving)
}

// Track marks the node serving once ready is closed, unless ctx ends first.
func (h *Health) Track(ctx context.Context, ready <-chan struct{}) {
	go func() {
		select {
		case <-ready:
			h.SetServing(true)
		case <-ctx.Done():
		}
	}()
}

// Serve blocks serving on lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	h.log.Info("health server listening", "addr", lis.Addr().String())
	err := h.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop reports NOT_SERVING to watchers, then stops the server gracefully.
func (h *Health) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.serving = false
	h.stopped = true
	h.mu.Unlock()

	h.health.Shutdown()
	h.grpc.GracefulStop()
}
