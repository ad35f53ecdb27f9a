package health

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/nostreward/internal/logging"
)

// ServiceName is the service reported alongside the overall "" status.
const ServiceName = "nostreward"

// GRPCServer serves grpc.health.v1. It reports SERVING while at least one
// relay subscription is live.
type GRPCServer struct {
	address string
	logger  logging.Logger
	health  *health.Server
}

func NewGRPCServer(address string, logger logging.Logger) *GRPCServer {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &GRPCServer{
		address: address,
		logger:  logger.With("module", "grpc_health"),
		health:  health.NewServer(),
	}
	s.SetSubscribed(0)
	return s
}

// SetSubscribed updates the reported status from a live subscription count.
// It matches the monitor state hook signature.
func (s *GRPCServer) SetSubscribed(n int) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if n > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logInterceptor))
	healthpb.RegisterHealthServer(srv, s.health)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC health server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC health server", "address", lis.Addr().String())
	return srv.Serve(lis)
}

func (s *GRPCServer) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug(ctx, "health call failed", "method", info.FullMethod, "error", err)
	}
	return resp, err
}
