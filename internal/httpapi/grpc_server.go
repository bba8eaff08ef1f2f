package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cofradia.org/internal/obs"
)

// HealthServer answers grpc.health.v1 checks from the readiness probe.
// Watch and List come from the embedded server and reflect the last Check.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{Server: health.NewServer(), readiness: r}
}

// Check runs the probe for the overall service ("") and for serviceName.
// Other service names fall through to the embedded registry.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return s.Server.Check(ctx, req)
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	s.Server.SetServingStatus("", status)
	s.Server.SetServingStatus(serviceName, status)
	return &healthpb.HealthCheckResponse{Status: status}, nil
}

// NewGRPCServer builds a gRPC server with the health service registered.
func NewGRPCServer(r readinessChecker, opts ...grpc.ServerOption) (*grpc.Server, *HealthServer) {
	srv := grpc.NewServer(opts...)
	hs := NewHealthServer(r)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
