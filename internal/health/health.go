// Package health serves the standard gRPC health protocol for datasync.
//
// The overall service ("") is SERVING while the process runs. ServiceRealtime
// follows the push channel's connection state and ServiceWidgets is
// NOT_SERVING while any mounted widget shows an error.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/obsidianstack/datasync/internal/auth"
	"github.com/obsidianstack/datasync/internal/coordinator"
	"github.com/obsidianstack/datasync/internal/realtime"
	"github.com/obsidianstack/datasync/pkg/types"
)

const (
	ServiceRealtime = "datasync.realtime"
	ServiceWidgets  = "datasync.widgets"
)

// Connection is the push channel as seen by the health server.
type Connection interface {
	Status() types.ConnectionState
	OnConnectionChange(h realtime.ConnectionHandler) (unsubscribe func())
}

// Server is a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	logger *slog.Logger

	mu      sync.Mutex
	errored map[string]bool
}

// New creates a Server whose calls are checked against policy.
func New(policy auth.Policy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc: grpc.NewServer(
			grpc.UnaryInterceptor(policy.UnaryInterceptor()),
			grpc.StreamInterceptor(policy.StreamInterceptor()),
		),
		health:  grpchealth.NewServer(),
		logger:  logger,
		errored: make(map[string]bool),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceRealtime, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceWidgets, healthpb.HealthCheckResponse_SERVING)
	return s
}

// TrackConnection mirrors conn's state into ServiceRealtime until the
// returned func is called.
func (s *Server) TrackConnection(conn Connection) (unsubscribe func()) {
	unsub := conn.OnConnectionChange(s.setConnection)
	s.setConnection(conn.Status())
	return unsub
}

func (s *Server) setConnection(st types.ConnectionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == types.Connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceRealtime, status)
}

// UpdateWidget records v's error state and recomputes ServiceWidgets.
func (s *Server) UpdateWidget(v coordinator.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Error != "" {
		s.errored[v.ID] = true
	} else {
		delete(s.errored, v.ID)
	}
	status := healthpb.HealthCheckResponse_SERVING
	if len(s.errored) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceWidgets, status)
}

// Serve accepts connections on lis until ctx is cancelled, then marks every
// service NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.logger.Info("health: gRPC listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("health: serve: %w", err)
	}
}
