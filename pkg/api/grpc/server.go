// Package grpc exposes a standard gRPC health service reflecting the
// supervisor's state, for load balancers and Kubernetes probes.
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openrecords/requestflow/internal/supervisor"
)

// Server represents the gRPC API server
type Server struct {
	server     *grpc.Server
	listener   net.Listener
	health     *health.Server
	supervisor *supervisor.Supervisor
	logger     *zap.Logger
	stop       chan struct{}
}

// Config holds gRPC server configuration
type Config struct {
	Port       int
	Supervisor *supervisor.Supervisor
	Logger     *zap.Logger
}

// NewServer creates a new gRPC server with the health service registered.
func NewServer(cfg *Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		server:     grpcServer,
		listener:   listener,
		health:     healthServer,
		supervisor: cfg.Supervisor,
		logger:     cfg.Logger,
		stop:       make(chan struct{}),
	}

	return s, nil
}

// Start starts the gRPC server and the health status sync loop.
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.listener.Addr().String()))

	go s.syncHealth()

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// syncHealth mirrors the supervisor state into the health service.
func (s *Server) syncHealth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if s.supervisor.State() == supervisor.StateRunning {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus("", status)

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	close(s.stop)
	s.health.Shutdown()
	s.server.GracefulStop()

	s.logger.Info("gRPC server shut down complete")
	return nil
}
