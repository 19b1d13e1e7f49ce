package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/miradorstack/topdesk-stats/internal/config"
)

const minClientPing = 20 * time.Second

// Server hosts the Admin service and the standard health service on one listener.
type Server struct {
	cfg      config.ServerConfig
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
}

// NewServer listens on cfg.AdminAddress and registers admin on a new gRPC server.
func NewServer(cfg config.ServerConfig, admin AdminServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.AdminAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.AdminAddress, err)
	}
	return NewServerOnListener(lis, cfg, admin, opts...), nil
}

// NewServerOnListener is NewServer for a listener the caller already owns.
func NewServerOnListener(lis net.Listener, cfg config.ServerConfig, admin AdminServer, opts ...grpc.ServerOption) *Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	base := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             minClientPing,
			PermitWithoutStream: true,
		}),
	}
	srv := grpc.NewServer(append(base, opts...)...)

	RegisterAdminServer(srv, admin)
	grpc_prometheus.Register(srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(AdminServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{cfg: cfg, grpc: srv, health: hs, listener: lis}
}

// SetServing flips the health status reported for the server and the Admin service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(AdminServiceName, status)
}

// Serve marks the server healthy and handles requests until ctx is done. It then reports
// NOT_SERVING and drains in-flight calls for up to GracefulTimeout before forcing a stop.
func (s *Server) Serve(ctx context.Context) error {
	s.SetServing(true)

	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(s.listener) }()

	select {
	case err := <-errc:
		s.SetServing(false)
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	timer := time.NewTimer(s.cfg.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.grpc.Stop()
	}

	if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Address exposes the bound listener address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}
