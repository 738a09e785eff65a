package httpapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer publishes readiness over the standard gRPC health protocol.
// The overall status and the service-scoped status follow the readiness
// probe.
type HealthServer struct {
	*health.Server

	readiness readinessChecker
	logger    *slog.Logger

	mu    sync.Mutex
	ready bool
}

func NewHealthServer(r readinessChecker, logger *slog.Logger) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &HealthServer{Server: health.NewServer(), readiness: r, logger: logger}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.Server)
}

// Refresh runs the readiness probe once and updates the serving status.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	err := s.readiness.Check(ctx)
	s.mu.Lock()
	changed := s.ready != (err == nil)
	s.ready = err == nil
	s.mu.Unlock()
	if err != nil {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		if changed {
			s.logger.WarnContext(ctx, "readiness lost", "error", err)
		}
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run refreshes every interval until ctx ends.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

func (s *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
}
