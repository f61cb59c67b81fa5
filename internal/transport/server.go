package transport

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 5 * time.Second

// Server runs the HTTP surface (query API and WebSocket) and the gRPC health service.
type Server struct {
	cfg    config.APIConfig
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(cfg config.APIConfig, handler http.Handler, hub *Hub) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg:    cfg,
		http:   &http.Server{Addr: cfg.HttpListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		grpc:   gs,
		health: hs,
		hub:    hub,
		log:    logging.L("transport"),
	}
}

// SetServing reports the health of a named service; "" is the overall status.
func (s *Server) SetServing(service string, ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Run serves until ctx is cancelled or a listener fails, then shuts both servers down.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GrpcListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.GrpcListenAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Infow("gRPC health server starting", "addr", s.cfg.GrpcListenAddr)
		if err := s.grpc.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		s.log.Infow("HTTP server starting", "addr", s.cfg.HttpListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	s.SetServing("", true)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		s.log.Errorw("Server failed", "error", err)
	}

	s.log.Info("Servers shutting down...")
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if s.hub != nil {
		s.hub.CloseAll()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutErr := s.http.Shutdown(shutdownCtx); shutErr != nil {
		s.log.Warnw("HTTP shutdown incomplete", "error", shutErr)
	}
	return err
}
