package server

import (
	"fmt"
	"net"

	"github.com/devrev/pairdb/disktable/internal/health"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the gRPC health server
const ServiceName = "pairdb.disktable"

// GRPCServer exposes the standard gRPC health service, following the
// readiness of the health checker
type GRPCServer struct {
	addr     string
	server   *grpc.Server
	health   *grpchealth.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewGRPCServer creates the server; Start binds it
func NewGRPCServer(host string, port int, checker *health.HealthChecker, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GRPCServer{
		addr:   fmt.Sprintf("%s:%d", host, port),
		server: grpc.NewServer(),
		health: grpchealth.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.server, s.health)

	s.setServing(checker == nil || checker.IsReady())
	if checker != nil {
		checker.OnReadinessChange(s.setServing)
	}
	return s
}

func (s *GRPCServer) setServing(ready bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Start listens and serves in the background
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))

	go func() {
		if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *GRPCServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service as not serving and drains connections
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}
