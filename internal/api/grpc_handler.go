package api

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the service name reported by the gRPC health service.
const HealthServiceName = "pricetracker.v1.PriceTracker"

// Pinger checks a dependency the service cannot serve without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCHealth publishes the service health over the gRPC health checking
// protocol, backed by a periodic database ping.
type GRPCHealth struct {
	server *health.Server
	db     Pinger
	logger *log.Logger
}

// NewGRPCHealth creates a health reporter. The service starts NOT_SERVING
// until the first successful ping.
func NewGRPCHealth(db Pinger, logger *log.Logger) *GRPCHealth {
	if logger == nil {
		logger = log.Default()
	}
	h := &GRPCHealth{server: health.NewServer(), db: db, logger: logger}
	h.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer creates a gRPC server exposing the health and reflection services.
func NewGRPCServer(h *GRPCHealth, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)

	// Register gRPC Health Checking Protocol service.
	grpc_health_v1.RegisterHealthServer(s, h.server)
	h.logger.Println("INFO: gRPC health check service registered.")

	// Enable gRPC server reflection (useful for tools like grpcurl).
	reflection.Register(s)
	h.logger.Println("INFO: gRPC reflection service registered.")

	return s
}

// Check pings the database once and updates the serving status.
func (h *GRPCHealth) Check(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := h.db.Ping(pingCtx); err != nil {
		h.logger.Printf("WARN: Health check DB ping failed: %v", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Watch runs Check every interval until ctx is done.
func (h *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (h *GRPCHealth) Shutdown() {
	h.server.Shutdown()
}

func (h *GRPCHealth) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthServiceName, status)
}
