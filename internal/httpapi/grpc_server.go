package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"smartattend.org/internal/obs"
)

// HealthServer publishes readiness over the standard gRPC health protocol,
// both for the empty service name and for serviceName.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

// NewHealthServer starts in NOT_SERVING until the first probe passes.
func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &HealthServer{Server: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.Server)
}

// Probe runs the readiness check once and publishes the result.
func (s *HealthServer) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run probes every interval until ctx is done, then marks the server as
// shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	s.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

func (s *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", status)
	s.SetServingStatus(serviceName, status)
}
