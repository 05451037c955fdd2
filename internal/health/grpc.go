package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/vzahanych/view-guard-meta/detection/internal/logger"
	"github.com/vzahanych/view-guard-meta/detection/internal/service"
)

// ServiceName is the gRPC health service name reported next to the
// empty (server-wide) name
const ServiceName = "detection"

// GRPCServer exposes the health manager over the standard gRPC health
// protocol. A report is SERVING unless it is unhealthy.
type GRPCServer struct {
	*service.ServiceBase
	addr     string
	manager  *Manager
	interval time.Duration

	mu       sync.Mutex
	server   *grpc.Server
	health   *grpchealth.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	last     Status
}

// NewGRPCServer creates the gRPC health server listening on addr
func NewGRPCServer(addr string, manager *Manager, interval time.Duration, log *logger.Logger) *GRPCServer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &GRPCServer{
		ServiceBase: service.NewServiceBase("grpc-health", log),
		addr:        addr,
		manager:     manager,
		interval:    interval,
	}
}

// Start binds the listener and serves the health service. Everything is
// NOT_SERVING until the first report completes.
func (s *GRPCServer) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.server = server
	s.health = hs
	s.listener = lis
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.LogError("gRPC health server error", err)
			s.GetStatus().SetError(err)
		}
	}()
	go s.loop(loopCtx)

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("gRPC health server started", "address", lis.Addr().String())
	return nil
}

// Stop marks every service NOT_SERVING and drains open streams until
// ctx expires
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)

	s.mu.Lock()
	server, hs, cancel := s.server, s.health, s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hs != nil {
		hs.Shutdown()
	}
	if server != nil {
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			server.Stop()
		}
	}
	s.wg.Wait()

	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("gRPC health server stopped")
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *GRPCServer) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// first report runs here: service statuses stay locked while the
	// service manager is still starting services
	for {
		s.refresh(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) refresh(ctx context.Context) {
	report := s.manager.Check(ctx)

	servingStatus := healthpb.HealthCheckResponse_SERVING
	if report.Status == StatusUnhealthy {
		servingStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.mu.Lock()
	hs := s.health
	previous := s.last
	s.last = report.Status
	s.mu.Unlock()

	if hs != nil {
		hs.SetServingStatus("", servingStatus)
		hs.SetServingStatus(ServiceName, servingStatus)
	}

	if previous != report.Status {
		if previous != "" {
			s.LogWarn("Health status changed", "from", previous, "to", report.Status)
		}
		s.PublishEvent(service.EventTypeHealthChanged, map[string]interface{}{
			"previous": string(previous),
			"status":   string(report.Status),
		})
	}
}
