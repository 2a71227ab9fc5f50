// Package healthsrv exposes venue connection state through the standard
// gRPC health protocol on a Unix domain socket.
package healthsrv

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
	"github.com/caesar-terminal/arbwatch/internal/supervisor"
)

// ServiceName returns the health service name reported for a venue.
func ServiceName(v adapter.Venue) string {
	return "arbwatch.venue." + string(v)
}

// Server wraps the gRPC server and its Unix domain socket listener.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	log        zerolog.Logger
}

// New binds a health server to socketPath. Each venue starts NOT_SERVING.
func New(socketPath string, venues []adapter.Venue, log zerolog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("healthsrv: create socket directory: %w", err)
	}
	// Stale socket from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("healthsrv: remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("healthsrv: listen on unix socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("healthsrv: chmod socket: %w", err)
	}

	hs := health.NewServer()
	for _, v := range venues {
		hs.SetServingStatus(ServiceName(v), healthpb.HealthCheckResponse_NOT_SERVING)
	}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		socketPath: socketPath,
		log:        log.With().Str("component", "healthsrv").Logger(),
	}, nil
}

// Update records a venue's state. Only Streaming maps to SERVING. It is
// meant to be passed to supervisor.WithOnChange.
func (s *Server) Update(h supervisor.Health) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.Streaming() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(h.Venue), status)
}

// Serve blocks until the server is stopped.
func (s *Server) Serve() error {
	s.log.Info().Str("socket", s.socketPath).Msg("health server listening")
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop marks every service NOT_SERVING, drains in-flight RPCs and
// removes the socket file.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	os.Remove(s.socketPath)
}
